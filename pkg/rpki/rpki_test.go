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

package rpki_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krillpki/krill/pkg/rpki"
)

func TestParseHandle(t *testing.T) {
	testCases := map[string]struct {
		input     string
		assertErr assert.ErrorAssertionFunc
	}{
		"simple":        {input: "ta", assertErr: assert.NoError},
		"mixed":         {input: "CA-1_prod", assertErr: assert.NoError},
		"max length":    {input: strings.Repeat("a", 255), assertErr: assert.NoError},
		"empty":         {input: "", assertErr: assert.Error},
		"too long":      {input: strings.Repeat("a", 256), assertErr: assert.Error},
		"space":         {input: "my ca", assertErr: assert.Error},
		"slash":         {input: "a/b", assertErr: assert.Error},
		"non printable": {input: "a\x00b", assertErr: assert.Error},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			h, err := rpki.ParseHandle(tc.input)
			tc.assertErr(t, err)
			if err == nil {
				assert.Equal(t, tc.input, h.String())
			}
		})
	}
}

func TestKeyIDRoundTrip(t *testing.T) {
	ki := rpki.KeyIDFromSPKI([]byte("some-spki"))
	assert.Len(t, ki.String(), 40)
	parsed, err := rpki.ParseKeyID(ki.String())
	assert.NoError(t, err)
	assert.Equal(t, ki, parsed)

	_, err = rpki.ParseKeyID("abcd")
	assert.Error(t, err)
}

func TestRsyncURI(t *testing.T) {
	base, err := rpki.ParseRsyncURI("rsync://repo.example.net/repo/alice")
	assert.NoError(t, err)

	obj := base.Join("0/deadbeef.roa")
	assert.Equal(t, "rsync://repo.example.net/repo/alice/0/deadbeef.roa", obj.String())
	assert.Equal(t, "deadbeef.roa", obj.Filename())

	assert.True(t, base.IsParentOf(obj))
	assert.False(t, base.IsParentOf(base))
	assert.False(t, base.IsParentOf("rsync://repo.example.net/repo/alicesibling/x.roa"))

	_, err = rpki.ParseRsyncURI("https://repo.example.net/repo")
	assert.Error(t, err)
	_, err = rpki.ParseRsyncURI("rsync://")
	assert.Error(t, err)
}

func TestHTTPSURI(t *testing.T) {
	u, err := rpki.ParseHTTPSURI("https://localhost:3000/rrdp")
	assert.NoError(t, err)
	assert.Equal(t, "https://localhost:3000/rrdp/notification.xml",
		u.Join("notification.xml").String())

	_, err = rpki.ParseHTTPSURI("rsync://host/mod")
	assert.Error(t, err)
}
