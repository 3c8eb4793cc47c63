// Copyright 2026 The Krill Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ca

import (
	"crypto"
	"crypto/x509"
	"io"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/cert"
	"github.com/krillpki/krill/pkg/rpki/crl"
	"github.com/krillpki/krill/pkg/rpki/mft"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/rpki/roa"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/pkg/scrypto/cms"
	"github.com/krillpki/krill/private/keystore"
)

// Well-known file names inside a key's publication directory.
const (
	manifestFile = "manifest.mft"
	crlFile      = "revoked.crl"
)

// objectSigner produces the signed object set of a key. All entropy
// comes from the injected reader and all times from the injected now, so
// given equal state and intent the output is reproducible.
type objectSigner struct {
	keys   *keystore.Store
	rnd    io.Reader
	timing Timing
}

// keyDir is the SIA directory of a key: every key publishes into its own
// directory so that each manifest lists exactly its own products.
func keyDir(base rpki.RsyncURI, ki rpki.KeyID) rpki.RsyncURI {
	return base.Join(ki.String())
}

func hashHex(data []byte) string {
	return scrypto.DigestHex(data)
}

func (s *objectSigner) newIntentID() (string, error) {
	id, err := uuid.NewRandomFromReader(s.rnd)
	if err != nil {
		return "", serrors.Wrap("drawing intent id", err)
	}
	return id.String(), nil
}

// newCSR builds a PKCS#10 request for a fresh key. The SIA extension
// carries the key's publication directory, manifest and notification
// URIs, so the parent can fill in the subject information access of the
// issued certificate.
func (s *objectSigner) newCSR(ki rpki.KeyID, repo RepoInfo) ([]byte, error) {
	signer, err := s.keys.Signer(ki)
	if err != nil {
		return nil, err
	}
	dir := keyDir(repo.SIABase, ki)
	return cert.NewCSR(s.rnd, signer, cert.CSRInfo{
		CARepository: dir,
		ManifestURI:  dir.Join(manifestFile),
		NotifyURI:    repo.NotifyURI,
	})
}

// signROA signs one route origin authorization under the given key. The
// one-shot EE key never leaves this function.
func (s *objectSigner) signROA(key *CertifiedKey, auth RouteAuth,
	now time.Time) (PublishedROA, error) {

	prefix, err := netip.ParsePrefix(auth.Prefix)
	if err != nil {
		return PublishedROA{}, serrors.Wrap("parsing ROA prefix", err, "prefix", auth.Prefix)
	}
	payload := &roa.ROA{
		ASN:      auth.ASN,
		Prefixes: []roa.Prefix{{Prefix: prefix, MaxLength: auth.MaxLength}},
	}
	content, err := payload.EncodeContent()
	if err != nil {
		return PublishedROA{}, err
	}

	eeKey, err := scrypto.GenerateRSAKey(s.rnd)
	if err != nil {
		return PublishedROA{}, err
	}
	eeKI, err := scrypto.KeyIDOf(eeKey.Public())
	if err != nil {
		return PublishedROA{}, err
	}
	issuer, err := key.Cert()
	if err != nil {
		return PublishedROA{}, err
	}
	issuerSigner, err := s.keys.Signer(key.KeyID)
	if err != nil {
		return PublishedROA{}, err
	}
	dir := dirOf(issuer)
	uri := dir.Join(eeKI.String() + ".roa")
	eeCert, err := cert.NewEE(s.rnd, cert.EETemplate{
		PublicKey:       eeKey.Public(),
		NotBefore:       now.Add(-s.timing.Skew),
		NotAfter:        issuer.NotAfter,
		Resources:       resources.FromPrefix(prefix),
		SignedObjectURI: uri,
		CRLURI:          dir.Join(crlFile),
		AIAURI:          key.CertURI,
	}, issuer, issuerSigner)
	if err != nil {
		return PublishedROA{}, err
	}
	object, err := cms.Sign(s.rnd, cms.OIDContentROA, content, eeCert, eeKey, now)
	if err != nil {
		return PublishedROA{}, err
	}
	return PublishedROA{
		Auth:       auth,
		URI:        uri,
		ObjectDER:  object,
		EESerial:   eeCert.SerialNumber,
		EENotAfter: eeCert.NotAfter,
	}, nil
}

// signChildCert issues a CA certificate to a child key.
func (s *objectSigner) signChildCert(key *CertifiedKey, child rpki.Handle, className string,
	pub crypto.PublicKey, res resources.Set, childSIA cert.CSRInfo,
	now time.Time) (IssuedCert, error) {

	issuer, err := key.Cert()
	if err != nil {
		return IssuedCert{}, err
	}
	issuerSigner, err := s.keys.Signer(key.KeyID)
	if err != nil {
		return IssuedCert{}, err
	}
	childKI, err := scrypto.KeyIDOf(pub)
	if err != nil {
		return IssuedCert{}, err
	}
	dir := dirOf(issuer)
	uri := dir.Join(childKI.String() + ".cer")
	issued, err := cert.NewCA(s.rnd, cert.CATemplate{
		PublicKey:    pub,
		NotBefore:    now.Add(-s.timing.Skew),
		NotAfter:     now.Add(s.timing.IssuedCertValidity),
		Resources:    res,
		CARepository: childSIA.CARepository,
		ManifestURI:  childSIA.ManifestURI,
		NotifyURI:    childSIA.NotifyURI,
		CRLURI:       dir.Join(crlFile),
		AIAURI:       key.CertURI,
	}, issuer, issuerSigner)
	if err != nil {
		return IssuedCert{}, err
	}
	return IssuedCert{
		ClassName: className,
		KeyID:     childKI,
		CertDER:   issued.Raw,
		CertURI:   uri,
		Serial:    issued.SerialNumber,
		NotAfter:  issued.NotAfter,
		Resources: res,
	}, nil
}

// selfSignTA produces the trust anchor certificate for a key.
func (s *objectSigner) selfSignTA(ki rpki.KeyID, repo RepoInfo,
	now time.Time) (*x509.Certificate, error) {

	signer, err := s.keys.Signer(ki)
	if err != nil {
		return nil, err
	}
	dir := keyDir(repo.SIABase, ki)
	return cert.NewCA(s.rnd, cert.CATemplate{
		PublicKey:    signer.Public(),
		NotBefore:    now.Add(-s.timing.Skew),
		NotAfter:     now.AddDate(100, 0, 0),
		Resources:    resources.All(),
		CARepository: dir,
		ManifestURI:  dir.Join(manifestFile),
		NotifyURI:    repo.NotifyURI,
	}, nil, signer)
}

// republishKey signs a fresh CRL and manifest over the given product set
// and produces the publication delta against the key's currently
// published objects. products maps URIs under the key's directory to the
// object bytes; revocations is the full CRL backlog to publish.
func (s *objectSigner) republishKey(key *CertifiedKey, products map[rpki.RsyncURI][]byte,
	revocations []Revocation, now time.Time, caVersion uint64) (ObjectsPublishedEvent, error) {

	issuer, err := key.Cert()
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	issuerSigner, err := s.keys.Signer(key.KeyID)
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	dir := dirOf(issuer)
	thisUpdate := now.Add(-s.timing.Skew)
	nextUpdate := now.Add(s.timing.ObjectValidity)
	mftNumber := key.MFTNumber + 1
	crlNumber := key.CRLNumber + 1

	revoked := make([]crl.RevokedCert, 0, len(revocations))
	for _, r := range revocations {
		revoked = append(revoked, crl.RevokedCert{
			Serial:    r.Serial,
			RevokedAt: r.RevokedAt,
			NotAfter:  r.NotAfter,
		})
	}
	crlDER, err := crl.Build(s.rnd, issuer, issuerSigner, crlNumber,
		thisUpdate, nextUpdate, revoked)
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}

	// The manifest lists every object in the directory except itself.
	listed := make(map[rpki.RsyncURI][]byte, len(products)+1)
	for uri, bytes := range products {
		listed[uri] = bytes
	}
	listed[dir.Join(crlFile)] = crlDER

	entries := make([]mft.Entry, 0, len(listed))
	for uri, bytes := range listed {
		entries = append(entries, mft.Entry{
			File: uri.Filename(),
			Hash: scrypto.Digest(bytes),
		})
	}
	manifest := &mft.Manifest{
		Number:     mftNumber,
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
		Entries:    entries,
	}
	content, err := manifest.EncodeContent()
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}

	eeKey, err := scrypto.GenerateRSAKey(s.rnd)
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	mftURI := dir.Join(manifestFile)
	eeCert, err := cert.NewEE(s.rnd, cert.EETemplate{
		PublicKey:       eeKey.Public(),
		NotBefore:       thisUpdate,
		NotAfter:        nextUpdate,
		Inherit:         true,
		SignedObjectURI: mftURI,
		CRLURI:          dir.Join(crlFile),
		AIAURI:          key.CertURI,
	}, issuer, issuerSigner)
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	mftDER, err := cms.Sign(s.rnd, cms.OIDContentManifest, content, eeCert, eeKey, now)
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	listed[mftURI] = mftDER

	intentID, err := s.newIntentID()
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	return ObjectsPublishedEvent{
		KeyID:      key.KeyID,
		MFTNumber:  mftNumber,
		CRLNumber:  crlNumber,
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
		Intent: PublishIntent{
			IntentID:  intentID,
			Changes:   diffObjects(key.Objects, listed),
			CAVersion: caVersion,
		},
	}, nil
}

// withdrawAll produces the delta removing every object the key still
// publishes.
func (s *objectSigner) withdrawAll(key *CertifiedKey, caVersion uint64) (ObjectsPublishedEvent, error) {
	intentID, err := s.newIntentID()
	if err != nil {
		return ObjectsPublishedEvent{}, err
	}
	return ObjectsPublishedEvent{
		KeyID:      key.KeyID,
		MFTNumber:  key.MFTNumber,
		CRLNumber:  key.CRLNumber,
		ThisUpdate: key.ThisUpdate,
		NextUpdate: key.NextUpdate,
		Intent: PublishIntent{
			IntentID:  intentID,
			Changes:   diffObjects(key.Objects, nil),
			CAVersion: caVersion,
		},
	}, nil
}

// diffObjects computes the delta from the currently published hashes to
// the desired object set, in deterministic URI order.
func diffObjects(current map[rpki.RsyncURI]string, desired map[rpki.RsyncURI][]byte) []ObjectChange {
	uris := make([]rpki.RsyncURI, 0, len(desired)+len(current))
	for uri := range desired {
		uris = append(uris, uri)
	}
	for uri := range current {
		if _, ok := desired[uri]; !ok {
			uris = append(uris, uri)
		}
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })

	var changes []ObjectChange
	for _, uri := range uris {
		bytes, wanted := desired[uri]
		oldHash, published := current[uri]
		switch {
		case wanted && !published:
			changes = append(changes, ObjectChange{Op: OpPublish, URI: uri, Bytes: bytes})
		case wanted && published:
			if hashHex(bytes) == oldHash {
				continue
			}
			changes = append(changes, ObjectChange{
				Op: OpUpdate, URI: uri, OldHash: oldHash, Bytes: bytes,
			})
		case !wanted && published:
			changes = append(changes, ObjectChange{Op: OpWithdraw, URI: uri, OldHash: oldHash})
		}
	}
	return changes
}

// dirOf extracts a certificate's SIA publication directory.
func dirOf(c *x509.Certificate) rpki.RsyncURI {
	info, err := cert.ParseInfo(c)
	if err != nil || info.CARepository == "" {
		return ""
	}
	return info.CARepository
}

// productObjects collects the current product set of a key: the ROAs of
// the class and the certificates issued to children signed by this key.
// A self-certified key (trust anchor) additionally publishes its own
// certificate, which lives inside its own directory.
func productObjects(rc *ResourceClass, key *CertifiedKey,
	children map[rpki.Handle]*ChildInfo) map[rpki.RsyncURI][]byte {

	products := make(map[rpki.RsyncURI][]byte)
	for _, published := range rc.ROAs {
		if keyOwns(key, published.URI) {
			products[published.URI] = published.ObjectDER
		}
	}
	for _, child := range children {
		for _, issued := range child.IssuedCerts {
			if issued.ClassName != rc.Name {
				continue
			}
			// Only certificates below this key's directory belong to its
			// manifest.
			if keyOwns(key, issued.CertURI) {
				products[issued.CertURI] = issued.CertDER
			}
		}
	}
	if len(key.CertDER) > 0 && keyOwns(key, key.CertURI) {
		products[key.CertURI] = key.CertDER
	}
	return products
}

func keyOwns(key *CertifiedKey, uri rpki.RsyncURI) bool {
	c, err := key.Cert()
	if err != nil {
		return false
	}
	dir := dirOf(c)
	return dir != "" && dir.IsParentOf(uri)
}
