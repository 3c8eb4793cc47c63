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

// Package keystore holds the private keys of the daemon. Keys are
// referenced by key identifier only; private key material never leaves
// this package. Signing happens through crypto.Signer values that proxy
// to the stored key.
package keystore

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/scrypto"
)

// ErrKeyNotFound is returned when no key with the given identifier is
// held.
var ErrKeyNotFound = serrors.New("key not found")

// Store is a file backed key store. One PKCS#8 DER file per key, named by
// the key identifier, mode 0600. Sign operations are safe for concurrent
// use.
type Store struct {
	dir string
	rnd io.Reader

	mu   sync.RWMutex
	keys map[rpki.KeyID]*rsa.PrivateKey
}

// New opens (or creates) the key directory.
func New(dir string, rnd io.Reader) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, serrors.Wrap("creating key directory", err, "dir", dir)
	}
	return &Store{
		dir:  dir,
		rnd:  rnd,
		keys: make(map[rpki.KeyID]*rsa.PrivateKey),
	}, nil
}

// Create generates a new RSA key pair, persists the private key, and
// returns its identifier.
func (s *Store) Create() (rpki.KeyID, error) {
	key, err := scrypto.GenerateRSAKey(s.rnd)
	if err != nil {
		return rpki.KeyID{}, err
	}
	ki, err := scrypto.KeyIDOf(key.Public())
	if err != nil {
		return rpki.KeyID{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return rpki.KeyID{}, serrors.Wrap("encoding private key", err)
	}
	path := s.path(ki)
	if err := os.WriteFile(path, der, 0o600); err != nil {
		return rpki.KeyID{}, serrors.Wrap("writing private key", err, "path", path)
	}

	s.mu.Lock()
	s.keys[ki] = key
	s.mu.Unlock()
	return ki, nil
}

// Signer returns a crypto.Signer for the key. The signer only exposes the
// public half and a sign operation.
func (s *Store) Signer(ki rpki.KeyID) (crypto.Signer, error) {
	key, err := s.load(ki)
	if err != nil {
		return nil, err
	}
	return &signer{store: s, ki: ki, public: key.Public()}, nil
}

// PublicKey returns the public key for the identifier.
func (s *Store) PublicKey(ki rpki.KeyID) (crypto.PublicKey, error) {
	key, err := s.load(ki)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// SignDigest signs a precomputed digest with the key, using the PKCS#1
// v1.5 scheme pinned by the RPKI profile.
func (s *Store) SignDigest(ki rpki.KeyID, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	key, err := s.load(ki)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(s.rnd, digest, opts)
	if err != nil {
		return nil, serrors.Wrap("signing digest", err, "key", ki)
	}
	return sig, nil
}

// Destroy removes the private key material. Called only once revocation
// of the key is final.
func (s *Store) Destroy(ki rpki.KeyID) error {
	s.mu.Lock()
	delete(s.keys, ki)
	s.mu.Unlock()
	if err := os.Remove(s.path(ki)); err != nil && !os.IsNotExist(err) {
		return serrors.Wrap("removing private key", err, "key", ki)
	}
	return nil
}

func (s *Store) load(ki rpki.KeyID) (*rsa.PrivateKey, error) {
	s.mu.RLock()
	key, ok := s.keys[ki]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	raw, err := os.ReadFile(s.path(ki))
	if os.IsNotExist(err) {
		return nil, serrors.WithCtx(ErrKeyNotFound, "key", ki)
	}
	if err != nil {
		return nil, serrors.Wrap("reading private key", err, "key", ki)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, serrors.Wrap("parsing private key", err, "key", ki)
	}
	key, ok = parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, serrors.WithCtx(scrypto.ErrAlgorithmNotSupported, "key", ki)
	}

	s.mu.Lock()
	s.keys[ki] = key
	s.mu.Unlock()
	return key, nil
}

func (s *Store) path(ki rpki.KeyID) string {
	return filepath.Join(s.dir, ki.String())
}

// signer proxies crypto.Signer to the store without handing out the
// private key.
type signer struct {
	store  *Store
	ki     rpki.KeyID
	public crypto.PublicKey
}

func (s *signer) Public() crypto.PublicKey {
	return s.public
}

func (s *signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.store.SignDigest(s.ki, digest, opts)
}
