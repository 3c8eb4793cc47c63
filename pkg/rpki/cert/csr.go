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

package cert

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/scrypto"
)

// CSRInfo is the subject information access a requester wants in its
// certificate: where the new key will publish.
type CSRInfo struct {
	CARepository rpki.RsyncURI
	ManifestURI  rpki.RsyncURI
	NotifyURI    rpki.HTTPSURI
}

// NewCSR builds a PKCS#10 certificate request for the signer's key,
// carrying the SIA extension so the issuer can point the certificate at
// the requester's publication directory.
func NewCSR(rnd io.Reader, signer crypto.Signer, info CSRInfo) ([]byte, error) {
	ki, err := scrypto.KeyIDOf(signer.Public())
	if err != nil {
		return nil, err
	}
	sia, err := encodeSIA([]siaEntry{
		{method: oidAccessCARepository, uri: string(info.CARepository)},
		{method: oidAccessRPKIManifest, uri: string(info.ManifestURI)},
		{method: oidAccessRPKINotify, uri: string(info.NotifyURI)},
	})
	if err != nil {
		return nil, err
	}
	tmpl := &x509.CertificateRequest{
		Subject:            scrypto.SubjectFor(ki),
		SignatureAlgorithm: x509.SHA256WithRSA,
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtSubjectInfoAcc, Value: sia},
		},
	}
	der, err := x509.CreateCertificateRequest(rnd, tmpl, signer)
	if err != nil {
		return nil, serrors.Wrap("creating certificate request", err)
	}
	return der, nil
}

// ParseCSR parses and verifies a PKCS#10 request and extracts the SIA
// info, if present.
func ParseCSR(der []byte) (*x509.CertificateRequest, CSRInfo, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, CSRInfo{}, serrors.Wrap("parsing certificate request", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, CSRInfo{}, serrors.Wrap("verifying certificate request", err)
	}
	var info CSRInfo
	for _, ext := range csr.Extensions {
		if !ext.Id.Equal(oidExtSubjectInfoAcc) {
			continue
		}
		if loc, err := decodeSIA(ext.Value, oidAccessCARepository); err == nil && loc != "" {
			info.CARepository = rpki.RsyncURI(loc)
		}
		if loc, err := decodeSIA(ext.Value, oidAccessRPKIManifest); err == nil && loc != "" {
			info.ManifestURI = rpki.RsyncURI(loc)
		}
		if loc, err := decodeSIA(ext.Value, oidAccessRPKINotify); err == nil && loc != "" {
			info.NotifyURI = rpki.HTTPSURI(loc)
		}
	}
	return csr, info, nil
}
