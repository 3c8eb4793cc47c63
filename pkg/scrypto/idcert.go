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

package scrypto

import (
	"crypto"
	"crypto/x509"
	"io"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// IDCertValidity is the validity period of exchange identity certificates.
// Identity certificates only authenticate protocol messages, they carry no
// resources, so a long shelf life is fine.
const IDCertValidity = 15 * 365 * 24 * time.Hour

// NewIDCert creates the self-signed identity certificate used to sign
// protocol messages (up-down and publication exchanges). The subject and
// issuer name both encode the key identifier of signer's public key.
func NewIDCert(rnd io.Reader, signer crypto.Signer, now time.Time) (*x509.Certificate, error) {
	ki, err := KeyIDOf(signer.Public())
	if err != nil {
		return nil, err
	}
	serial, err := RandomSerial(rnd)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               SubjectFor(ki),
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(IDCertValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          ki[:],
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rnd, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, serrors.Wrap("creating identity certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, serrors.Wrap("reparsing identity certificate", err)
	}
	return cert, nil
}

// ValidateIDCert checks that cert is a plausible exchange identity: self
// signed, inside its validity window, within the algorithm profile.
func ValidateIDCert(cert *x509.Certificate, now time.Time) error {
	if err := CheckCertAlgorithms(cert); err != nil {
		return err
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return serrors.New("identity certificate outside validity",
			"not_before", cert.NotBefore, "not_after", cert.NotAfter)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return serrors.Wrap("identity certificate not self-signed", err)
	}
	return nil
}
