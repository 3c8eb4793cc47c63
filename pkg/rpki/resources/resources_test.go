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

package resources_test

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/resources"
)

func TestParseCanonical(t *testing.T) {
	// Overlapping and adjacent input collapses into canonical form.
	set, err := resources.Parse(
		"AS5, AS1-AS3, AS4",
		"10.0.0.0/9, 10.128.0.0/9, 192.168.0.0/24",
		"2001:db8::/32",
	)
	require.NoError(t, err)
	assert.Equal(t, "AS1-AS5", set.ASNString())
	assert.Equal(t, "10.0.0.0/8, 192.168.0.0/24", set.V4String())
	assert.Equal(t, "2001:db8::/32", set.V6String())

	same := resources.MustParse("AS1-AS5", "192.168.0.0/24, 10.0.0.0/8", "2001:db8::/32")
	assert.True(t, set.Equal(same))
}

func TestParseErrors(t *testing.T) {
	testCases := map[string][3]string{
		"bad asn":        {"ASfoo", "", ""},
		"inverted range": {"AS5-AS1", "", ""},
		"v6 in v4":       {"", "2001:db8::/32", ""},
		"v4 in v6":       {"", "", "10.0.0.0/8"},
		"garbage prefix": {"", "10.0.0.0/33", ""},
	}
	for name, input := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := resources.Parse(input[0], input[1], input[2])
			assert.Error(t, err)
		})
	}
}

func TestContains(t *testing.T) {
	parent := resources.MustParse("AS64496-AS64511", "10.0.0.0/8", "2001:db8::/32")
	child := resources.MustParse("AS64500", "10.0.0.0/16", "")

	assert.True(t, parent.Contains(child))
	assert.False(t, child.Contains(parent))
	assert.True(t, parent.Contains(resources.Empty()))

	over := resources.MustParse("", "10.0.0.0/7", "")
	assert.False(t, parent.Contains(over))

	assert.True(t, parent.ContainsPrefix(netip.MustParsePrefix("10.1.0.0/16")))
	assert.False(t, parent.ContainsPrefix(netip.MustParsePrefix("11.0.0.0/16")))
	assert.True(t, parent.ContainsASN(64500))
	assert.False(t, parent.ContainsASN(64512))
}

func TestAllContainsEverything(t *testing.T) {
	all := resources.All()
	assert.True(t, all.Contains(resources.MustParse("AS0, AS4294967295", "0.0.0.0/0", "::/0")))
	assert.True(t, all.ContainsPrefix(netip.MustParsePrefix("203.0.113.0/24")))
}

func TestUnionIntersection(t *testing.T) {
	a := resources.MustParse("AS1-AS5", "10.0.0.0/16", "")
	b := resources.MustParse("AS4-AS9", "10.0.0.0/8", "2001:db8::/32")

	union := a.Union(b)
	assert.Equal(t, "AS1-AS9", union.ASNString())
	assert.Equal(t, "10.0.0.0/8", union.V4String())

	inter := a.Intersection(b)
	assert.Equal(t, "AS4-AS5", inter.ASNString())
	assert.Equal(t, "10.0.0.0/16", inter.V4String())
	assert.Equal(t, "", inter.V6String())

	assert.True(t, a.Intersection(resources.Empty()).IsEmpty())
}

func TestJSONRoundTrip(t *testing.T) {
	set := resources.MustParse("AS64496", "10.0.0.0/16, 172.16.0.0-172.16.3.255", "2001:db8::/32")
	raw, err := json.Marshal(set)
	require.NoError(t, err)

	var back resources.Set
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, set.Equal(back))

	// Canonical: equal sets serialize identically.
	raw2, err := json.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, raw, raw2)
}

func TestEmpty(t *testing.T) {
	assert.True(t, resources.Empty().IsEmpty())
	assert.False(t, resources.MustParse("AS1", "", "").IsEmpty())
	assert.Equal(t, "none", resources.Empty().String())
}
