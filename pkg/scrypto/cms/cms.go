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

// Package cms implements the CMS SignedData profile used by RPKI signed
// objects (RFC 6488) and by the provisioning and publication protocols.
// The profile is deliberately narrow: exactly one signer, SHA-256 digests,
// RSA PKCS#1 v1.5 signatures, one embedded certificate, and the
// content-type, message-digest and signing-time signed attributes.
//
// Encoding is canonical DER: SET OF values are sorted by their encoded
// octets, so byte-equal inputs produce byte-equal envelopes.
package cms

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"sort"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/scrypto"
)

// Error classes returned by this package.
var (
	// ErrInvalidEncoding indicates the envelope could not be decoded or
	// violates the profile.
	ErrInvalidEncoding = serrors.New("invalid CMS encoding")
	// ErrSignatureInvalid indicates a digest or signature mismatch.
	ErrSignatureInvalid = serrors.New("CMS signature invalid")
	// ErrUntrustedSigner indicates the embedded certificate does not chain
	// to the expected trust certificate.
	ErrUntrustedSigner = serrors.New("CMS signer not trusted")
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

// SignedObject is a decoded and structurally verified CMS envelope. The
// signature has been checked against the embedded certificate; trust in
// that certificate is established separately via VerifySigner.
type SignedObject struct {
	// ContentType is the eContentType of the encapsulated payload.
	ContentType asn1.ObjectIdentifier
	// Content is the encapsulated payload.
	Content []byte
	// Certificate is the single embedded certificate.
	Certificate *x509.Certificate
	// SigningTime is the signing-time signed attribute.
	SigningTime time.Time
	// SignerKeyID is the subject key identifier the signer asserted.
	SignerKeyID rpki.KeyID
}

// Sign wraps payload in a SignedData envelope. The certificate must
// certify signer's public key; its subject key identifier becomes the
// SignerIdentifier. signingTime is embedded as a signed attribute, so
// equal inputs yield byte-equal output.
func Sign(rnd io.Reader, contentType asn1.ObjectIdentifier, payload []byte,
	cert *x509.Certificate, signer crypto.Signer, signingTime time.Time) ([]byte, error) {

	if len(cert.SubjectKeyId) != rpki.KeyIDLen {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "certificate without SKI")
	}
	digest := sha256.Sum256(payload)
	attrsSet, err := encodeSignedAttrs(contentType, digest[:], signingTime)
	if err != nil {
		return nil, err
	}
	attrsDigest := sha256.Sum256(attrsSet)
	signature, err := signer.Sign(rnd, attrsDigest[:], crypto.SHA256)
	if err != nil {
		return nil, serrors.Wrap("signing attributes", err)
	}

	si := signerInfo{
		Version: 3,
		SID: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, Bytes: cert.SubjectKeyId,
		},
		DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: OIDDigestSHA256},
		SignedAttrs: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
			// Strip the SET header; the implicit [0] tag replaces it.
			Bytes: attrsSet[headerLen(attrsSet):],
		},
		SignatureAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm: OIDSignatureRSA, Parameters: asn1.NullRawValue,
		},
		Signature: signature,
	}
	sd := signedData{
		Version:          3,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{{Algorithm: OIDDigestSHA256}},
		EncapContentInfo: encapContentInfo{
			EContentType: contentType,
			EContent:     payload,
		},
		Certificates: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
			Bytes: cert.Raw,
		},
		SignerInfos: []signerInfo{si},
	}
	sdRaw, err := asn1.Marshal(sd)
	if err != nil {
		return nil, serrors.Wrap("encoding SignedData", err)
	}
	// A RawValue with FullBytes set ignores the struct's explicit tag, so
	// the [0] wrapper is built here.
	env, err := asn1.Marshal(contentInfo{
		ContentType: OIDSignedData,
		Content: asn1.RawValue{
			Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
			Bytes: sdRaw,
		},
	})
	if err != nil {
		return nil, serrors.Wrap("encoding ContentInfo", err)
	}
	return env, nil
}

// Parse decodes a SignedData envelope, checks it against the profile, and
// verifies the signature with the embedded certificate. The caller still
// has to establish trust in that certificate.
func Parse(der []byte) (*SignedObject, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, serrors.Wrap("decoding ContentInfo", serrors.WithCtx(ErrInvalidEncoding, "cause", err))
	}
	if len(rest) > 0 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "trailing data")
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "content_type", ci.ContentType)
	}
	var sd signedData
	// Content holds the explicit [0] wrapper; its body is the SignedData.
	if rest, err = asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil || len(rest) > 0 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "bad SignedData")
	}
	if sd.Version != 3 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "version", sd.Version)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "signers", len(sd.SignerInfos))
	}
	if len(sd.EncapContentInfo.EContent) == 0 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "detached content")
	}
	certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
	if err != nil || len(certs) != 1 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "expected exactly one certificate")
	}
	cert := certs[0]
	if err := scrypto.CheckCertAlgorithms(cert); err != nil {
		return nil, err
	}

	si := sd.SignerInfos[0]
	if si.Version != 3 || si.SID.Class != asn1.ClassContextSpecific || si.SID.Tag != 0 {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "signer not identified by SKI")
	}
	if !si.DigestAlgorithm.Algorithm.Equal(OIDDigestSHA256) {
		return nil, serrors.WithCtx(scrypto.ErrAlgorithmNotSupported,
			"digest", si.DigestAlgorithm.Algorithm)
	}
	sigAlg := si.SignatureAlgorithm.Algorithm
	if !sigAlg.Equal(OIDSignatureRSA) && !sigAlg.Equal(OIDSignatureSHA256WithRSA) {
		return nil, serrors.WithCtx(scrypto.ErrAlgorithmNotSupported, "signature", sigAlg)
	}
	var ki rpki.KeyID
	if len(si.SID.Bytes) != rpki.KeyIDLen {
		return nil, serrors.WithCtx(ErrInvalidEncoding, "reason", "bad SKI length")
	}
	copy(ki[:], si.SID.Bytes)
	if !bytes.Equal(cert.SubjectKeyId, ki[:]) {
		return nil, serrors.WithCtx(ErrInvalidEncoding,
			"reason", "SID does not match embedded certificate")
	}

	attrs, signingTime, err := checkSignedAttrs(si.SignedAttrs,
		sd.EncapContentInfo.EContentType, sd.EncapContentInfo.EContent)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, serrors.WithCtx(scrypto.ErrAlgorithmNotSupported, "key", "non-RSA")
	}
	attrsDigest := sha256.Sum256(attrs)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, attrsDigest[:], si.Signature); err != nil {
		return nil, serrors.Wrap("verifying signature", ErrSignatureInvalid)
	}
	return &SignedObject{
		ContentType: sd.EncapContentInfo.EContentType,
		Content:     sd.EncapContentInfo.EContent,
		Certificate: cert,
		SigningTime: signingTime,
		SignerKeyID: ki,
	}, nil
}

// VerifySigner establishes trust in the embedded certificate: it must
// either be the trust certificate itself, or be directly signed by it.
func (o *SignedObject) VerifySigner(trust *x509.Certificate) error {
	if trust == nil {
		return serrors.WithCtx(ErrUntrustedSigner, "reason", "no trust certificate")
	}
	if bytes.Equal(o.Certificate.Raw, trust.Raw) {
		return nil
	}
	if err := o.Certificate.CheckSignatureFrom(trust); err != nil {
		return serrors.Wrap("checking issuer signature", ErrUntrustedSigner, "cause", err)
	}
	return nil
}

// encodeSignedAttrs builds the DER SET OF signed attributes, sorted by
// encoded value as DER requires.
func encodeSignedAttrs(contentType asn1.ObjectIdentifier, digest []byte,
	signingTime time.Time) ([]byte, error) {

	ctVal, err := asn1.Marshal(contentType)
	if err != nil {
		return nil, serrors.Wrap("encoding content-type", err)
	}
	mdVal, err := asn1.Marshal(digest)
	if err != nil {
		return nil, serrors.Wrap("encoding message-digest", err)
	}
	stVal, err := asn1.Marshal(signingTime.UTC().Truncate(time.Second))
	if err != nil {
		return nil, serrors.Wrap("encoding signing-time", err)
	}
	encoded := make([][]byte, 0, 3)
	for _, attr := range []struct {
		oid asn1.ObjectIdentifier
		val []byte
	}{
		{OIDAttrContentType, ctVal},
		{OIDAttrMessageDigest, mdVal},
		{OIDAttrSigningTime, stVal},
	} {
		raw, err := asn1.Marshal(attribute{
			Type: attr.oid,
			Values: asn1.RawValue{
				Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true,
				Bytes: attr.val,
			},
		})
		if err != nil {
			return nil, serrors.Wrap("encoding attribute", err)
		}
		encoded = append(encoded, raw)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	var content []byte
	for _, e := range encoded {
		content = append(content, e...)
	}
	return wrapSet(content), nil
}

// checkSignedAttrs validates the mandatory signed attributes and returns
// the DER SET form used as signature input, plus the signing time.
func checkSignedAttrs(raw asn1.RawValue, contentType asn1.ObjectIdentifier,
	content []byte) ([]byte, time.Time, error) {

	if raw.Class != asn1.ClassContextSpecific || raw.Tag != 0 || len(raw.Bytes) == 0 {
		return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
			"reason", "missing signed attributes")
	}
	var (
		sawContentType, sawDigest bool
		signingTime               time.Time
	)
	rest := raw.Bytes
	for len(rest) > 0 {
		var attr attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
				"reason", "bad signed attribute")
		}
		switch {
		case attr.Type.Equal(OIDAttrContentType):
			var oid asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &oid); err != nil {
				return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
					"reason", "bad content-type attribute")
			}
			if !oid.Equal(contentType) {
				return nil, time.Time{}, serrors.WithCtx(ErrSignatureInvalid,
					"reason", "content-type mismatch")
			}
			sawContentType = true
		case attr.Type.Equal(OIDAttrMessageDigest):
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &digest); err != nil {
				return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
					"reason", "bad message-digest attribute")
			}
			sum := sha256.Sum256(content)
			if !bytes.Equal(digest, sum[:]) {
				return nil, time.Time{}, serrors.WithCtx(ErrSignatureInvalid,
					"reason", "message digest mismatch")
			}
			sawDigest = true
		case attr.Type.Equal(OIDAttrSigningTime):
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &signingTime); err != nil {
				return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
					"reason", "bad signing-time attribute")
			}
		}
	}
	if !sawContentType || !sawDigest {
		return nil, time.Time{}, serrors.WithCtx(ErrInvalidEncoding,
			"reason", "mandatory signed attribute missing")
	}
	return wrapSet(raw.Bytes), signingTime, nil
}

// wrapSet prefixes content with a universal SET header.
func wrapSet(content []byte) []byte {
	header := []byte{0x31}
	header = append(header, lengthBytes(len(content))...)
	return append(header, content...)
}

// headerLen returns the length of the tag+length header of a DER value.
func headerLen(der []byte) int {
	if len(der) < 2 {
		return len(der)
	}
	if der[1] < 0x80 {
		return 2
	}
	return 2 + int(der[1]&0x7f)
}

func lengthBytes(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var body []byte
	for v := n; v > 0; v >>= 8 {
		body = append([]byte{byte(v)}, body...)
	}
	return append([]byte{0x80 | byte(len(body))}, body...)
}
