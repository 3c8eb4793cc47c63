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

package roa_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/rpki/roa"
)

func TestEncodeDecode(t *testing.T) {
	r := &roa.ROA{
		ASN: 64496,
		Prefixes: []roa.Prefix{
			{Prefix: netip.MustParsePrefix("2001:db8::/32"), MaxLength: 48},
			{Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 24},
			{Prefix: netip.MustParsePrefix("10.0.0.0/8"), MaxLength: 8},
		},
	}
	raw, err := r.EncodeContent()
	require.NoError(t, err)

	back, err := roa.DecodeContent(raw)
	require.NoError(t, err)
	assert.Equal(t, resources.ASN(64496), back.ASN)
	require.Len(t, back.Prefixes, 3)
	// v4 block first, sorted by address then prefix length.
	assert.Equal(t, "10.0.0.0/8-8", back.Prefixes[0].String())
	assert.Equal(t, "10.0.0.0/16-24", back.Prefixes[1].String())
	assert.Equal(t, "2001:db8::/32-48", back.Prefixes[2].String())

	set := back.ResourceSet()
	assert.True(t, set.ContainsPrefix(netip.MustParsePrefix("10.5.0.0/16")))
	assert.False(t, set.ContainsPrefix(netip.MustParsePrefix("11.0.0.0/16")))
}

func TestValidate(t *testing.T) {
	bad := roa.Prefix{Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 8}
	assert.Error(t, bad.Validate())

	tooLong := roa.Prefix{Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 33}
	assert.Error(t, tooLong.Validate())

	r := &roa.ROA{ASN: 1, Prefixes: []roa.Prefix{bad}}
	_, err := r.EncodeContent()
	assert.Error(t, err)
}

func TestEncodeDeterministic(t *testing.T) {
	a := &roa.ROA{ASN: 64496, Prefixes: []roa.Prefix{
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), MaxLength: 16},
		{Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 16},
	}}
	b := &roa.ROA{ASN: 64496, Prefixes: []roa.Prefix{
		{Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 16},
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), MaxLength: 16},
	}}
	rawA, err := a.EncodeContent()
	require.NoError(t, err)
	rawB, err := b.EncodeContent()
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)
}
