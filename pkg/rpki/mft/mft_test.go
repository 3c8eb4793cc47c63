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

package mft_test

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/mft"
)

func TestEncodeDecode(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	m := &mft.Manifest{
		Number:     42,
		ThisUpdate: now,
		NextUpdate: now.Add(24 * time.Hour),
		Entries: []mft.Entry{
			{File: "zz.roa", Hash: sha256.Sum256([]byte("zz"))},
			{File: "aa.roa", Hash: sha256.Sum256([]byte("aa"))},
			{File: "revoked.crl", Hash: sha256.Sum256([]byte("crl"))},
		},
	}
	raw, err := m.EncodeContent()
	require.NoError(t, err)

	back, err := mft.DecodeContent(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), back.Number)
	assert.True(t, back.ThisUpdate.Equal(m.ThisUpdate))
	assert.True(t, back.NextUpdate.Equal(m.NextUpdate))

	// Entries come back sorted by file name.
	require.Len(t, back.Entries, 3)
	assert.Equal(t, "aa.roa", back.Entries[0].File)
	assert.Equal(t, "revoked.crl", back.Entries[1].File)
	assert.Equal(t, "zz.roa", back.Entries[2].File)

	assert.True(t, back.Lists("aa.roa", sha256.Sum256([]byte("aa"))))
	assert.False(t, back.Lists("aa.roa", sha256.Sum256([]byte("tampered"))))
	assert.False(t, back.Lists("missing.roa", sha256.Sum256([]byte("aa"))))
}

func TestEncodeDeterministic(t *testing.T) {
	now := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	a := &mft.Manifest{
		Number: 7, ThisUpdate: now, NextUpdate: now.Add(24 * time.Hour),
		Entries: []mft.Entry{
			{File: "b.roa", Hash: sha256.Sum256([]byte("b"))},
			{File: "a.roa", Hash: sha256.Sum256([]byte("a"))},
		},
	}
	b := &mft.Manifest{
		Number: 7, ThisUpdate: now, NextUpdate: now.Add(24 * time.Hour),
		Entries: []mft.Entry{
			{File: "a.roa", Hash: sha256.Sum256([]byte("a"))},
			{File: "b.roa", Hash: sha256.Sum256([]byte("b"))},
		},
	}
	rawA, err := a.EncodeContent()
	require.NoError(t, err)
	rawB, err := b.EncodeContent()
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)
}
