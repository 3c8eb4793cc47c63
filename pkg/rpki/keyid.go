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

package rpki

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// KeyIDLen is the length of a key identifier in bytes.
const KeyIDLen = sha1.Size

// KeyID identifies a key pair: the SHA-1 digest over the DER encoded
// SubjectPublicKeyInfo of the public key, per RFC 6487. The event streams
// and the key store reference keys exclusively by KeyID; private key
// material never appears outside the key store.
type KeyID [KeyIDLen]byte

// KeyIDFromSPKI computes the key identifier for a DER encoded
// SubjectPublicKeyInfo.
func KeyIDFromSPKI(spki []byte) KeyID {
	return KeyID(sha1.Sum(spki))
}

// ParseKeyID parses the hex representation of a key identifier.
func ParseKeyID(s string) (KeyID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return KeyID{}, serrors.Wrap("decoding key id", err)
	}
	if len(raw) != KeyIDLen {
		return KeyID{}, serrors.New("invalid key id length", "len", len(raw))
	}
	var ki KeyID
	copy(ki[:], raw)
	return ki, nil
}

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key identifier is unset.
func (k KeyID) IsZero() bool {
	return k == KeyID{}
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyID) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyID) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyID(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
