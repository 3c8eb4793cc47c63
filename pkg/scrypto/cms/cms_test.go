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

package cms_test

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/pkg/scrypto/cms"
)

func TestSignParseRoundTrip(t *testing.T) {
	key, err := scrypto.GenerateRSAKey(rand.Reader)
	require.NoError(t, err)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cert, err := scrypto.NewIDCert(rand.Reader, key, now)
	require.NoError(t, err)

	payload := []byte("<msg>hello</msg>")
	env, err := cms.Sign(rand.Reader, cms.OIDContentXML, payload, cert, key, now)
	require.NoError(t, err)

	obj, err := cms.Parse(env)
	require.NoError(t, err)
	assert.Equal(t, payload, obj.Content)
	assert.True(t, obj.ContentType.Equal(cms.OIDContentXML))
	assert.Equal(t, cert.Raw, obj.Certificate.Raw)
	assert.True(t, obj.SigningTime.Equal(now))

	wantKI, err := scrypto.KeyIDOf(key.Public())
	require.NoError(t, err)
	assert.Equal(t, wantKI, obj.SignerKeyID)

	// The embedded certificate is trusted when it is the pinned identity.
	assert.NoError(t, obj.VerifySigner(cert))
}

func TestSignDeterministic(t *testing.T) {
	key, err := scrypto.GenerateRSAKey(rand.Reader)
	require.NoError(t, err)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cert, err := scrypto.NewIDCert(rand.Reader, key, now)
	require.NoError(t, err)

	payload := []byte("stable payload")
	a, err := cms.Sign(rand.Reader, cms.OIDContentROA, payload, cert, key, now)
	require.NoError(t, err)
	b, err := cms.Sign(rand.Reader, cms.OIDContentROA, payload, cert, key, now)
	require.NoError(t, err)
	assert.Equal(t, a, b, "byte-equal input must give byte-equal envelopes")
}

func TestParseRejectsTamperedContent(t *testing.T) {
	key, err := scrypto.GenerateRSAKey(rand.Reader)
	require.NoError(t, err)
	now := time.Now().UTC()
	cert, err := scrypto.NewIDCert(rand.Reader, key, now)
	require.NoError(t, err)

	env, err := cms.Sign(rand.Reader, cms.OIDContentXML, []byte("payload-aa"), cert, key, now)
	require.NoError(t, err)

	// Flip a payload byte somewhere in the middle of the envelope.
	tampered := append([]byte(nil), env...)
	for i := 0; i+2 < len(tampered); i++ {
		if tampered[i] == 'p' && tampered[i+1] == 'a' && tampered[i+2] == 'y' {
			tampered[i] = 'q'
			break
		}
	}
	_, err = cms.Parse(tampered)
	assert.Error(t, err)
}

func TestVerifySignerRejectsForeignIdentity(t *testing.T) {
	now := time.Now().UTC()
	keyA, err := scrypto.GenerateRSAKey(rand.Reader)
	require.NoError(t, err)
	certA, err := scrypto.NewIDCert(rand.Reader, keyA, now)
	require.NoError(t, err)
	keyB, err := scrypto.GenerateRSAKey(rand.Reader)
	require.NoError(t, err)
	certB, err := scrypto.NewIDCert(rand.Reader, keyB, now)
	require.NoError(t, err)

	env, err := cms.Sign(rand.Reader, cms.OIDContentXML, []byte("x"), certA, keyA, now)
	require.NoError(t, err)
	obj, err := cms.Parse(env)
	require.NoError(t, err)

	assert.Error(t, obj.VerifySigner(certB))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := cms.Parse([]byte{0x30, 0x03, 0x02, 0x01, 0x01})
	assert.Error(t, err)
	_, err = cms.Parse(nil)
	assert.Error(t, err)
}
