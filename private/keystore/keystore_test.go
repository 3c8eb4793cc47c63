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

package keystore_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/private/keystore"
)

func TestCreateSignDestroy(t *testing.T) {
	store, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)

	ki, err := store.Create()
	require.NoError(t, err)
	assert.False(t, ki.IsZero())

	digest := sha256.Sum256([]byte("to be signed"))
	sig, err := store.SignDigest(ki, digest[:], crypto.SHA256)
	require.NoError(t, err)

	pub, err := store.PublicKey(ki)
	require.NoError(t, err)
	rsaPub := pub.(*rsa.PublicKey)
	assert.NoError(t, rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig))

	require.NoError(t, store.Destroy(ki))
	_, err = store.SignDigest(ki, digest[:], crypto.SHA256)
	assert.True(t, errors.Is(err, keystore.ErrKeyNotFound))
}

func TestSignerNeverExposesKey(t *testing.T) {
	store, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)
	ki, err := store.Create()
	require.NoError(t, err)

	signer, err := store.Signer(ki)
	require.NoError(t, err)
	_, isPrivate := signer.(*rsa.PrivateKey)
	assert.False(t, isPrivate)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(
		signer.Public().(*rsa.PublicKey), crypto.SHA256, digest[:], sig))
}

func TestKeyFileMode(t *testing.T) {
	dir := t.TempDir()
	store, err := keystore.New(dir, rand.Reader)
	require.NoError(t, err)
	ki, err := store.Create()
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, ki.String()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := keystore.New(dir, rand.Reader)
	require.NoError(t, err)
	ki, err := store.Create()
	require.NoError(t, err)

	// A fresh store instance finds the persisted key.
	reopened, err := keystore.New(dir, rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("x"))
	_, err = reopened.SignDigest(ki, digest[:], crypto.SHA256)
	assert.NoError(t, err)
}
