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

// Package resources implements canonical sets of Internet number
// resources: IPv4 prefixes and ranges, IPv6 prefixes and ranges, and AS
// number ranges. Sets are kept canonical at all times (sorted, merged,
// non-overlapping), so equal sets have equal serializations.
package resources

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"go4.org/netipx"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// ASN is an autonomous system number.
type ASN uint32

// MaxASN is the largest 32-bit AS number.
const MaxASN = ASN(4294967295)

func (a ASN) String() string {
	return fmt.Sprintf("AS%d", uint32(a))
}

// ParseASN parses an AS number with or without the "AS" prefix.
func ParseASN(s string) (ASN, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "AS"), "as")
	v, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, serrors.Wrap("parsing AS number", err, "input", s)
	}
	return ASN(v), nil
}

// ASNRange is an inclusive range of AS numbers.
type ASNRange struct {
	Min ASN `json:"min"`
	Max ASN `json:"max"`
}

func (r ASNRange) String() string {
	if r.Min == r.Max {
		return r.Min.String()
	}
	return r.Min.String() + "-" + r.Max.String()
}

// Set is a canonical union of IPv4 space, IPv6 space and AS numbers. The
// zero value is the empty set and safe to use.
type Set struct {
	asns []ASNRange
	v4   *netipx.IPSet
	v6   *netipx.IPSet
}

// Empty returns the empty resource set.
func Empty() Set {
	return Set{}
}

// All returns the full resource space: 0.0.0.0/0, ::/0 and
// AS0-AS4294967295. Trust anchors are initialized with this set.
func All() Set {
	s, err := Parse("AS0-AS4294967295", "0.0.0.0/0", "::/0")
	if err != nil {
		panic(err)
	}
	return s
}

// Parse builds a set from comma-separated ASN, IPv4 and IPv6 parts. Each
// element is a single value ("AS64496", "10.0.0.0/8"), or an inclusive
// range ("AS1-AS5", "10.0.0.0-10.0.1.255"). Empty strings are allowed.
func Parse(asns, v4, v6 string) (Set, error) {
	var set Set
	var err error
	if set.asns, err = parseASNs(asns); err != nil {
		return Set{}, err
	}
	if set.v4, err = parseIP(v4, false); err != nil {
		return Set{}, err
	}
	if set.v6, err = parseIP(v6, true); err != nil {
		return Set{}, err
	}
	return set, nil
}

// MustParse is Parse, panicking on invalid input. Intended for tests and
// constants.
func MustParse(asns, v4, v6 string) Set {
	s, err := Parse(asns, v4, v6)
	if err != nil {
		panic(err)
	}
	return s
}

// FromPrefix builds a set holding a single IP prefix.
func FromPrefix(prefix netip.Prefix) Set {
	var b netipx.IPSetBuilder
	b.AddPrefix(prefix.Masked())
	ipset, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	if prefix.Addr().Is4() {
		return Set{v4: ipset}
	}
	return Set{v6: ipset}
}

// FromASN builds a set holding a single AS number.
func FromASN(asn ASN) Set {
	return Set{asns: []ASNRange{{Min: asn, Max: asn}}}
}

func parseASNs(s string) ([]ASNRange, error) {
	var ranges []ASNRange
	for _, part := range splitList(s) {
		min, max, found := strings.Cut(part, "-")
		lo, err := ParseASN(min)
		if err != nil {
			return nil, err
		}
		hi := lo
		if found {
			if hi, err = ParseASN(max); err != nil {
				return nil, err
			}
		}
		if hi < lo {
			return nil, serrors.New("inverted AS range", "input", part)
		}
		ranges = append(ranges, ASNRange{Min: lo, Max: hi})
	}
	return normalizeASNs(ranges), nil
}

func parseIP(s string, v6 bool) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	empty := true
	for _, part := range splitList(s) {
		empty = false
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, serrors.Wrap("parsing prefix", err, "input", part)
			}
			if prefix.Addr().Is4() == v6 {
				return nil, serrors.New("wrong address family", "input", part)
			}
			b.AddPrefix(prefix.Masked())
			continue
		}
		r, err := netipx.ParseIPRange(part)
		if err != nil {
			return nil, serrors.Wrap("parsing range", err, "input", part)
		}
		if r.From().Is4() == v6 {
			return nil, serrors.New("wrong address family", "input", part)
		}
		b.AddRange(r)
	}
	if empty {
		return nil, nil
	}
	ipset, err := b.IPSet()
	if err != nil {
		return nil, serrors.Wrap("building ip set", err)
	}
	return ipset, nil
}

func splitList(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func normalizeASNs(ranges []ASNRange) []ASNRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Min != ranges[j].Min {
			return ranges[i].Min < ranges[j].Min
		}
		return ranges[i].Max < ranges[j].Max
	})
	merged := []ASNRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		// Merge overlapping and adjacent ranges.
		if r.Min <= last.Max || (last.Max != MaxASN && r.Min == last.Max+1) {
			if r.Max > last.Max {
				last.Max = r.Max
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// ASNs returns the canonical AS ranges of the set.
func (s Set) ASNs() []ASNRange {
	return append([]ASNRange(nil), s.asns...)
}

// V4Ranges returns the canonical IPv4 ranges of the set.
func (s Set) V4Ranges() []netipx.IPRange {
	if s.v4 == nil {
		return nil
	}
	return s.v4.Ranges()
}

// V6Ranges returns the canonical IPv6 ranges of the set.
func (s Set) V6Ranges() []netipx.IPRange {
	if s.v6 == nil {
		return nil
	}
	return s.v6.Ranges()
}

// IsEmpty reports whether the set contains no resources.
func (s Set) IsEmpty() bool {
	return len(s.asns) == 0 && ipEmpty(s.v4) && ipEmpty(s.v6)
}

func ipEmpty(set *netipx.IPSet) bool {
	return set == nil || len(set.Ranges()) == 0
}

// Equal reports whether both sets hold exactly the same resources.
func (s Set) Equal(o Set) bool {
	if len(s.asns) != len(o.asns) {
		return false
	}
	for i := range s.asns {
		if s.asns[i] != o.asns[i] {
			return false
		}
	}
	return ipEqual(s.v4, o.v4) && ipEqual(s.v6, o.v6)
}

func ipEqual(a, b *netipx.IPSet) bool {
	ra, rb := rangesOf(a), rangesOf(b)
	if len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		if ra[i] != rb[i] {
			return false
		}
	}
	return true
}

func rangesOf(set *netipx.IPSet) []netipx.IPRange {
	if set == nil {
		return nil
	}
	return set.Ranges()
}

// Contains reports whether o is a subset of s.
func (s Set) Contains(o Set) bool {
	for _, r := range o.asns {
		if !s.containsASNRange(r) {
			return false
		}
	}
	return ipContains(s.v4, o.v4) && ipContains(s.v6, o.v6)
}

// ContainsPrefix reports whether the single prefix is covered by the set.
func (s Set) ContainsPrefix(prefix netip.Prefix) bool {
	set := s.v6
	if prefix.Addr().Is4() {
		set = s.v4
	}
	return set != nil && set.ContainsPrefix(prefix.Masked())
}

// ContainsASN reports whether the single AS number is in the set.
func (s Set) ContainsASN(asn ASN) bool {
	return s.containsASNRange(ASNRange{Min: asn, Max: asn})
}

func (s Set) containsASNRange(r ASNRange) bool {
	for _, held := range s.asns {
		if r.Min >= held.Min && r.Max <= held.Max {
			return true
		}
	}
	return false
}

func ipContains(outer, inner *netipx.IPSet) bool {
	if ipEmpty(inner) {
		return true
	}
	if outer == nil {
		return false
	}
	for _, r := range inner.Ranges() {
		if !outer.ContainsRange(r) {
			return false
		}
	}
	return true
}

// Union returns the union of both sets.
func (s Set) Union(o Set) Set {
	return Set{
		asns: normalizeASNs(append(s.ASNs(), o.ASNs()...)),
		v4:   ipUnion(s.v4, o.v4),
		v6:   ipUnion(s.v6, o.v6),
	}
}

func ipUnion(a, b *netipx.IPSet) *netipx.IPSet {
	if ipEmpty(a) {
		return b
	}
	if ipEmpty(b) {
		return a
	}
	var builder netipx.IPSetBuilder
	builder.AddSet(a)
	builder.AddSet(b)
	set, err := builder.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// Intersection returns the resources held by both sets.
func (s Set) Intersection(o Set) Set {
	return Set{
		asns: intersectASNs(s.asns, o.asns),
		v4:   ipIntersect(s.v4, o.v4),
		v6:   ipIntersect(s.v6, o.v6),
	}
}

func intersectASNs(a, b []ASNRange) []ASNRange {
	var out []ASNRange
	for _, ra := range a {
		for _, rb := range b {
			lo, hi := ra.Min, ra.Max
			if rb.Min > lo {
				lo = rb.Min
			}
			if rb.Max < hi {
				hi = rb.Max
			}
			if lo <= hi {
				out = append(out, ASNRange{Min: lo, Max: hi})
			}
		}
	}
	return normalizeASNs(out)
}

func ipIntersect(a, b *netipx.IPSet) *netipx.IPSet {
	if ipEmpty(a) || ipEmpty(b) {
		return nil
	}
	var builder netipx.IPSetBuilder
	builder.AddSet(a)
	builder.Intersect(b)
	set, err := builder.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// String returns the canonical human-readable form, with the three parts
// separated by "asn=", "ipv4=", "ipv6=" markers when present.
func (s Set) String() string {
	var parts []string
	if v := s.ASNString(); v != "" {
		parts = append(parts, "asn='"+v+"'")
	}
	if v := s.V4String(); v != "" {
		parts = append(parts, "ipv4='"+v+"'")
	}
	if v := s.V6String(); v != "" {
		parts = append(parts, "ipv6='"+v+"'")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// ASNString returns the canonical comma-separated AS part.
func (s Set) ASNString() string {
	elems := make([]string, 0, len(s.asns))
	for _, r := range s.asns {
		elems = append(elems, r.String())
	}
	return strings.Join(elems, ", ")
}

// V4String returns the canonical comma-separated IPv4 part. Ranges that
// align to a single prefix are rendered as that prefix.
func (s Set) V4String() string {
	return ipString(s.v4)
}

// V6String returns the canonical comma-separated IPv6 part.
func (s Set) V6String() string {
	return ipString(s.v6)
}

func ipString(set *netipx.IPSet) string {
	if set == nil {
		return ""
	}
	var elems []string
	for _, r := range set.Ranges() {
		if prefixes := r.Prefixes(); len(prefixes) == 1 {
			elems = append(elems, prefixes[0].String())
		} else {
			elems = append(elems, r.String())
		}
	}
	return strings.Join(elems, ", ")
}

type setJSON struct {
	ASN  string `json:"asn"`
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

// MarshalJSON implements json.Marshaler using the canonical string parts.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(setJSON{
		ASN:  s.ASNString(),
		IPv4: s.V4String(),
		IPv6: s.V6String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw setJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw.ASN, raw.IPv4, raw.IPv6)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
