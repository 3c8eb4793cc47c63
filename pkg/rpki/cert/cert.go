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

// Package cert builds and inspects RPKI resource certificates (RFC 6487):
// CA certificates carrying RFC 3779 resource extensions, and the one-shot
// EE certificates embedded in signed objects.
package cert

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/scrypto"
)

// CATemplate describes a CA resource certificate to issue.
type CATemplate struct {
	PublicKey crypto.PublicKey
	NotBefore time.Time
	NotAfter  time.Time
	Resources resources.Set

	// CARepository is the SIA directory under which the subject publishes.
	CARepository rpki.RsyncURI
	// ManifestURI is the SIA pointer to the subject's manifest.
	ManifestURI rpki.RsyncURI
	// NotifyURI is the SIA pointer to the RRDP notification file.
	NotifyURI rpki.HTTPSURI
	// CRLURI points to the issuer's CRL. Empty for a trust anchor.
	CRLURI rpki.RsyncURI
	// AIAURI points to the issuer's certificate. Empty for a trust anchor.
	AIAURI rpki.RsyncURI
}

// NewCA issues a CA resource certificate. With a nil issuer the
// certificate is self-signed, which is how the trust anchor certificate is
// produced.
func NewCA(rnd io.Reader, tmpl CATemplate, issuer *x509.Certificate,
	signer crypto.Signer) (*x509.Certificate, error) {

	ki, err := scrypto.KeyIDOf(tmpl.PublicKey)
	if err != nil {
		return nil, err
	}
	serial, err := scrypto.RandomSerial(rnd)
	if err != nil {
		return nil, err
	}
	extensions, err := resourceExtensions(tmpl.Resources, false, false)
	if err != nil {
		return nil, err
	}
	sia, err := encodeSIA([]siaEntry{
		{method: oidAccessCARepository, uri: rsyncOrEmpty(tmpl.CARepository)},
		{method: oidAccessRPKIManifest, uri: rsyncOrEmpty(tmpl.ManifestURI)},
		{method: oidAccessRPKINotify, uri: string(tmpl.NotifyURI)},
	})
	if err != nil {
		return nil, err
	}
	extensions = append(extensions, pkix.Extension{Id: oidExtSubjectInfoAcc, Value: sia})

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               scrypto.SubjectFor(ki),
		NotBefore:             tmpl.NotBefore,
		NotAfter:              tmpl.NotAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ki[:],
		SignatureAlgorithm:    x509.SHA256WithRSA,
		ExtraExtensions:       extensions,
	}
	if tmpl.CRLURI != "" {
		template.CRLDistributionPoints = []string{string(tmpl.CRLURI)}
	}
	if tmpl.AIAURI != "" {
		template.IssuingCertificateURL = []string{string(tmpl.AIAURI)}
	}
	parent := template
	if issuer != nil {
		parent = issuer
	}
	der, err := x509.CreateCertificate(rnd, template, parent, tmpl.PublicKey, signer)
	if err != nil {
		return nil, serrors.Wrap("creating CA certificate", err)
	}
	created, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, serrors.Wrap("reparsing CA certificate", err)
	}
	return created, nil
}

// EETemplate describes a one-shot EE certificate embedded in a signed
// object.
type EETemplate struct {
	PublicKey crypto.PublicKey
	NotBefore time.Time
	NotAfter  time.Time

	// Resources carried by the EE certificate. Ignored when Inherit is
	// set, which is the profile for manifest EE certificates.
	Resources resources.Set
	Inherit   bool

	// SignedObjectURI is the SIA pointer to the object this EE signs.
	SignedObjectURI rpki.RsyncURI
	// CRLURI points to the issuing key's CRL.
	CRLURI rpki.RsyncURI
	// AIAURI points to the issuing certificate.
	AIAURI rpki.RsyncURI
}

// NewEE issues an EE certificate under the given issuer.
func NewEE(rnd io.Reader, tmpl EETemplate, issuer *x509.Certificate,
	signer crypto.Signer) (*x509.Certificate, error) {

	ki, err := scrypto.KeyIDOf(tmpl.PublicKey)
	if err != nil {
		return nil, err
	}
	serial, err := scrypto.RandomSerial(rnd)
	if err != nil {
		return nil, err
	}
	extensions, err := resourceExtensions(tmpl.Resources, tmpl.Inherit, tmpl.Inherit)
	if err != nil {
		return nil, err
	}
	sia, err := encodeSIA([]siaEntry{
		{method: oidAccessSignedObject, uri: rsyncOrEmpty(tmpl.SignedObjectURI)},
	})
	if err != nil {
		return nil, err
	}
	extensions = append(extensions, pkix.Extension{Id: oidExtSubjectInfoAcc, Value: sia})

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               scrypto.SubjectFor(ki),
		NotBefore:             tmpl.NotBefore,
		NotAfter:              tmpl.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		SubjectKeyId:          ki[:],
		SignatureAlgorithm:    x509.SHA256WithRSA,
		ExtraExtensions:       extensions,
		CRLDistributionPoints: []string{string(tmpl.CRLURI)},
		IssuingCertificateURL: []string{string(tmpl.AIAURI)},
	}
	der, err := x509.CreateCertificate(rnd, template, issuer, tmpl.PublicKey, signer)
	if err != nil {
		return nil, serrors.Wrap("creating EE certificate", err)
	}
	created, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, serrors.Wrap("reparsing EE certificate", err)
	}
	return created, nil
}

// resourceExtensions builds the critical RFC 3779 extensions. When an
// inherit flag is set the corresponding extension encodes inherit; with
// neither resources nor inherit, the extension is omitted.
func resourceExtensions(set resources.Set, inheritIP, inheritAS bool) ([]pkix.Extension, error) {
	var extensions []pkix.Extension
	ipExt, err := encodeIPAddrBlocks(set, inheritIP)
	if err != nil {
		return nil, err
	}
	if ipExt != nil {
		extensions = append(extensions,
			pkix.Extension{Id: oidExtIPAddrBlocks, Critical: true, Value: ipExt})
	}
	asExt, err := encodeASIdentifiers(set, inheritAS)
	if err != nil {
		return nil, err
	}
	if asExt != nil {
		extensions = append(extensions,
			pkix.Extension{Id: oidExtASIdentifiers, Critical: true, Value: asExt})
	}
	policies, err := encodeCertPolicies()
	if err != nil {
		return nil, err
	}
	extensions = append(extensions,
		pkix.Extension{Id: oidExtCertPolicies, Critical: true, Value: policies})
	return extensions, nil
}

// Info is the RPKI-relevant content of a resource certificate.
type Info struct {
	// KeyID is the subject key identifier.
	KeyID rpki.KeyID
	// Resources are the certified resources. Empty if both families
	// inherit.
	Resources resources.Set
	// InheritIP and InheritAS report inherit encoding per extension.
	InheritIP bool
	InheritAS bool
	// SIA pointers, where present.
	CARepository rpki.RsyncURI
	ManifestURI  rpki.RsyncURI
	SignedObject rpki.RsyncURI
	NotifyURI    rpki.HTTPSURI
}

// ParseInfo extracts the RPKI profile content from a certificate.
func ParseInfo(c *x509.Certificate) (Info, error) {
	var info Info
	if len(c.SubjectKeyId) == rpki.KeyIDLen {
		copy(info.KeyID[:], c.SubjectKeyId)
	}
	info.Resources = resources.Empty()
	for _, ext := range c.Extensions {
		switch {
		case ext.Id.Equal(oidExtIPAddrBlocks):
			set, inherit, err := decodeIPAddrBlocks(ext.Value)
			if err != nil {
				return Info{}, err
			}
			if inherit {
				info.InheritIP = true
			} else {
				info.Resources = info.Resources.Union(set)
			}
		case ext.Id.Equal(oidExtASIdentifiers):
			set, inherit, err := decodeASIdentifiers(ext.Value)
			if err != nil {
				return Info{}, err
			}
			if inherit {
				info.InheritAS = true
			} else {
				info.Resources = info.Resources.Union(set)
			}
		case ext.Id.Equal(oidExtSubjectInfoAcc):
			for _, entry := range []struct {
				method asn1.ObjectIdentifier
				target func(string)
			}{
				{oidAccessCARepository, func(s string) { info.CARepository = rpki.RsyncURI(s) }},
				{oidAccessRPKIManifest, func(s string) { info.ManifestURI = rpki.RsyncURI(s) }},
				{oidAccessSignedObject, func(s string) { info.SignedObject = rpki.RsyncURI(s) }},
				{oidAccessRPKINotify, func(s string) { info.NotifyURI = rpki.HTTPSURI(s) }},
			} {
				loc, err := decodeSIA(ext.Value, entry.method)
				if err != nil {
					return Info{}, err
				}
				if loc != "" {
					entry.target(loc)
				}
			}
		}
	}
	return info, nil
}
