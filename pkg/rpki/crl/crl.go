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

// Package crl builds and parses the certificate revocation lists
// published next to each key's manifest.
package crl

import (
	"crypto"
	"crypto/x509"
	"io"
	"math/big"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// RevokedCert is one revoked serial with its revocation time.
type RevokedCert struct {
	Serial    *big.Int  `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	NotAfter  time.Time `json:"not_after"`
}

// Build signs a CRL over the given revocations. Entries whose certificate
// has already expired at thisUpdate are dropped, keeping the list from
// growing without bound.
func Build(rnd io.Reader, issuer *x509.Certificate, signer crypto.Signer,
	number uint64, thisUpdate, nextUpdate time.Time,
	revoked []RevokedCert) ([]byte, error) {

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, rc := range revoked {
		if !rc.NotAfter.IsZero() && rc.NotAfter.Before(thisUpdate) {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   rc.Serial,
			RevocationTime: rc.RevokedAt.UTC(),
		})
	}
	tmpl := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		ThisUpdate:                thisUpdate.UTC(),
		NextUpdate:                nextUpdate.UTC(),
		RevokedCertificateEntries: entries,
		SignatureAlgorithm:        x509.SHA256WithRSA,
	}
	der, err := x509.CreateRevocationList(rnd, tmpl, issuer, signer)
	if err != nil {
		return nil, serrors.Wrap("creating CRL", err)
	}
	return der, nil
}

// Parse decodes a DER CRL.
func Parse(raw []byte) (*x509.RevocationList, error) {
	list, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, serrors.Wrap("parsing CRL", err)
	}
	return list, nil
}

// Number extracts the crlNumber of a parsed CRL.
func Number(list *x509.RevocationList) uint64 {
	if list.Number == nil {
		return 0
	}
	return list.Number.Uint64()
}
