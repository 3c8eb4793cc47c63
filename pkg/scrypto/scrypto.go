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

// Package scrypto provides the low-level crypto helpers shared by the RPKI
// object builders and the protocol engines: RSA key generation, key
// identifier derivation, digests and serial numbers.
//
// The RPKI profile (RFC 6485/7935) pins the algorithms: RSA 2048 with
// SHA-256, PKCS#1 v1.5 padding. Nothing in this package is configurable
// beyond that.
package scrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"io"
	"math/big"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
)

// RSABits is the RSA modulus size used for all RPKI keys.
const RSABits = 2048

// ErrAlgorithmNotSupported is returned for keys or signatures outside the
// RPKI algorithm profile.
var ErrAlgorithmNotSupported = serrors.New("algorithm not supported")

// GenerateRSAKey generates an RSA key pair of the profile size using the
// given entropy source.
func GenerateRSAKey(rnd io.Reader) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rnd, RSABits)
	if err != nil {
		return nil, serrors.Wrap("generating RSA key", err)
	}
	return key, nil
}

// KeyIDOf computes the key identifier of a public key: the SHA-1 over the
// DER encoded SubjectPublicKeyInfo.
func KeyIDOf(pub crypto.PublicKey) (rpki.KeyID, error) {
	if _, ok := pub.(*rsa.PublicKey); !ok {
		return rpki.KeyID{}, serrors.WithCtx(ErrAlgorithmNotSupported, "key", "non-RSA")
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return rpki.KeyID{}, serrors.Wrap("encoding public key", err)
	}
	return rpki.KeyIDFromSPKI(spki), nil
}

// SubjectFor returns the RFC 6487 subject name for a key: a single common
// name holding the hex encoded key identifier.
func SubjectFor(ki rpki.KeyID) pkix.Name {
	return pkix.Name{CommonName: hex.EncodeToString(ki[:])}
}

// Digest returns the SHA-256 digest of data. All object hashes in
// manifests, publication deltas and RRDP documents use this.
func Digest(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// DigestHex returns the lowercase hex SHA-256 of data.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomSerial draws a positive certificate serial number from rnd. The
// serial fits in 20 octets as required by RFC 5280.
func RandomSerial(rnd io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 159)
	serial, err := rand.Int(rnd, limit)
	if err != nil {
		return nil, serrors.Wrap("drawing serial number", err)
	}
	// Zero is not a valid serial.
	return serial.Add(serial, big.NewInt(1)), nil
}

// CheckCertAlgorithms verifies a certificate is inside the RPKI algorithm
// profile.
func CheckCertAlgorithms(cert *x509.Certificate) error {
	if cert.SignatureAlgorithm != x509.SHA256WithRSA {
		return serrors.WithCtx(ErrAlgorithmNotSupported,
			"signature_algorithm", cert.SignatureAlgorithm)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return serrors.WithCtx(ErrAlgorithmNotSupported, "key", "non-RSA")
	}
	if pub.N.BitLen() < RSABits {
		return serrors.WithCtx(ErrAlgorithmNotSupported, "bits", pub.N.BitLen())
	}
	return nil
}
