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

package cert

import (
	"encoding/asn1"
	"net/netip"

	"go4.org/netipx"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
)

// Extension and access method OIDs of the RPKI certificate profile
// (RFC 3779, RFC 6487).
var (
	oidExtIPAddrBlocks   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidExtASIdentifiers  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidExtSubjectInfoAcc = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidExtCertPolicies   = asn1.ObjectIdentifier{2, 5, 29, 32}

	oidAccessCARepository = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidAccessRPKIManifest = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidAccessSignedObject = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
	oidAccessRPKINotify   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 13}

	oidPolicyRPKI = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 14, 2}
)

const (
	afiIPv4 = 1
	afiIPv6 = 2
)

type ipAddressFamily struct {
	AddressFamily []byte
	Choice        asn1.RawValue
}

type ipAddressRange struct {
	Min asn1.BitString
	Max asn1.BitString
}

type asIdentifiers struct {
	ASNum asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

type asRange struct {
	Min int64
	Max int64
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

type policyInformation struct {
	Policy asn1.ObjectIdentifier
}

// encodeIPAddrBlocks builds the RFC 3779 IPAddrBlocks extension value. If
// inherit is set both address families are encoded as inherit.
func encodeIPAddrBlocks(set resources.Set, inherit bool) ([]byte, error) {
	var families []ipAddressFamily
	if inherit {
		for _, afi := range []int{afiIPv4, afiIPv6} {
			families = append(families, ipAddressFamily{
				AddressFamily: []byte{0, byte(afi)},
				Choice:        asn1.RawValue{FullBytes: []byte{0x05, 0x00}},
			})
		}
	} else {
		for _, fam := range []struct {
			afi    int
			ranges []netipx.IPRange
			bits   int
		}{
			{afiIPv4, set.V4Ranges(), 32},
			{afiIPv6, set.V6Ranges(), 128},
		} {
			if len(fam.ranges) == 0 {
				continue
			}
			choice, err := encodeAddressesOrRanges(fam.ranges, fam.bits)
			if err != nil {
				return nil, err
			}
			families = append(families, ipAddressFamily{
				AddressFamily: []byte{0, byte(fam.afi)},
				Choice:        choice,
			})
		}
	}
	if len(families) == 0 {
		return nil, nil
	}
	raw, err := asn1.Marshal(families)
	if err != nil {
		return nil, serrors.Wrap("encoding IPAddrBlocks", err)
	}
	return raw, nil
}

func encodeAddressesOrRanges(ranges []netipx.IPRange, bits int) (asn1.RawValue, error) {
	var content []byte
	for _, r := range ranges {
		var encoded []byte
		var err error
		if prefixes := r.Prefixes(); len(prefixes) == 1 {
			encoded, err = asn1.Marshal(prefixBits(prefixes[0]))
		} else {
			encoded, err = asn1.Marshal(ipAddressRange{
				Min: minBits(r.From(), bits),
				Max: maxBits(r.To(), bits),
			})
		}
		if err != nil {
			return asn1.RawValue{}, serrors.Wrap("encoding address range", err)
		}
		content = append(content, encoded...)
	}
	full, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true,
		Bytes: content,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: full}, nil
}

// prefixBits encodes a prefix as an RFC 3779 address bit string: the
// address truncated to the prefix length.
func prefixBits(p netip.Prefix) asn1.BitString {
	raw := addrBytes(p.Addr())
	n := (p.Bits() + 7) / 8
	return asn1.BitString{Bytes: raw[:n], BitLength: p.Bits()}
}

// minBits strips trailing zero bits from the lower bound of a range.
func minBits(addr netip.Addr, bits int) asn1.BitString {
	raw := addrBytes(addr)
	length := bits
	for length > 0 && bit(raw, length-1) == 0 {
		length--
	}
	return asn1.BitString{Bytes: raw[:(length+7)/8], BitLength: length}
}

// maxBits strips trailing one bits from the upper bound of a range.
func maxBits(addr netip.Addr, bits int) asn1.BitString {
	raw := addrBytes(addr)
	length := bits
	for length > 0 && bit(raw, length-1) == 1 {
		length--
	}
	out := make([]byte, (length+7)/8)
	copy(out, raw[:(length+7)/8])
	// Clear the unused bits of the last octet.
	if length%8 != 0 {
		out[len(out)-1] &= byte(0xff << (8 - length%8))
	}
	return asn1.BitString{Bytes: out, BitLength: length}
}

func addrBytes(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

func bit(raw []byte, i int) int {
	return int(raw[i/8]>>(7-i%8)) & 1
}

// encodeASIdentifiers builds the RFC 3779 ASIdentifiers extension value.
func encodeASIdentifiers(set resources.Set, inherit bool) ([]byte, error) {
	var choice asn1.RawValue
	switch {
	case inherit:
		choice = asn1.RawValue{FullBytes: []byte{0x05, 0x00}}
	case len(set.ASNs()) == 0:
		return nil, nil
	default:
		var content []byte
		for _, r := range set.ASNs() {
			var encoded []byte
			var err error
			if r.Min == r.Max {
				encoded, err = asn1.Marshal(int64(r.Min))
			} else {
				encoded, err = asn1.Marshal(asRange{Min: int64(r.Min), Max: int64(r.Max)})
			}
			if err != nil {
				return nil, serrors.Wrap("encoding AS range", err)
			}
			content = append(content, encoded...)
		}
		full, err := asn1.Marshal(asn1.RawValue{
			Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true,
			Bytes: content,
		})
		if err != nil {
			return nil, err
		}
		choice = asn1.RawValue{FullBytes: full}
	}
	// A RawValue with FullBytes set ignores the struct's explicit tag, so
	// the [0] wrapper is built here.
	raw, err := asn1.Marshal(asIdentifiers{ASNum: asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
		Bytes: choice.FullBytes,
	}})
	if err != nil {
		return nil, serrors.Wrap("encoding ASIdentifiers", err)
	}
	return raw, nil
}

// decodeIPAddrBlocks parses the extension value back into a resource set.
// Inherit in any family reports inherit for the whole certificate.
func decodeIPAddrBlocks(raw []byte) (resources.Set, bool, error) {
	var families []ipAddressFamily
	if rest, err := asn1.Unmarshal(raw, &families); err != nil || len(rest) > 0 {
		return resources.Set{}, false, serrors.New("invalid IPAddrBlocks extension")
	}
	var builder4, builder6 netipx.IPSetBuilder
	var have4, have6 bool
	for _, fam := range families {
		if len(fam.AddressFamily) < 2 {
			return resources.Set{}, false, serrors.New("invalid address family")
		}
		afi := int(fam.AddressFamily[0])<<8 | int(fam.AddressFamily[1])
		if afi != afiIPv4 && afi != afiIPv6 {
			return resources.Set{}, false, serrors.New("unsupported address family", "afi", afi)
		}
		if fam.Choice.Tag == asn1.TagNull && fam.Choice.Class == asn1.ClassUniversal {
			return resources.Set{}, true, nil
		}
		bits, builder := 32, &builder4
		if afi == afiIPv6 {
			bits, builder = 128, &builder6
		}
		if afi == afiIPv4 {
			have4 = true
		} else {
			have6 = true
		}
		rest := fam.Choice.Bytes
		for len(rest) > 0 {
			var element asn1.RawValue
			var err error
			rest, err = asn1.Unmarshal(rest, &element)
			if err != nil {
				return resources.Set{}, false, serrors.Wrap("decoding address element", err)
			}
			switch element.Tag {
			case asn1.TagBitString:
				var bs asn1.BitString
				if _, err := asn1.Unmarshal(element.FullBytes, &bs); err != nil {
					return resources.Set{}, false, serrors.Wrap("decoding prefix", err)
				}
				prefix, err := bitsToPrefix(bs, bits)
				if err != nil {
					return resources.Set{}, false, err
				}
				builder.AddPrefix(prefix)
			case asn1.TagSequence:
				var r ipAddressRange
				if _, err := asn1.Unmarshal(element.FullBytes, &r); err != nil {
					return resources.Set{}, false, serrors.Wrap("decoding range", err)
				}
				from, err := bitsToAddr(r.Min, bits, false)
				if err != nil {
					return resources.Set{}, false, err
				}
				to, err := bitsToAddr(r.Max, bits, true)
				if err != nil {
					return resources.Set{}, false, err
				}
				builder.AddRange(netipx.IPRangeFrom(from, to))
			default:
				return resources.Set{}, false, serrors.New("unexpected address element")
			}
		}
	}
	set := resources.Empty()
	if have4 {
		v4, err := builder4.IPSet()
		if err != nil {
			return resources.Set{}, false, serrors.Wrap("building v4 set", err)
		}
		for _, p := range v4.Prefixes() {
			set = set.Union(resources.FromPrefix(p))
		}
	}
	if have6 {
		v6, err := builder6.IPSet()
		if err != nil {
			return resources.Set{}, false, serrors.Wrap("building v6 set", err)
		}
		for _, p := range v6.Prefixes() {
			set = set.Union(resources.FromPrefix(p))
		}
	}
	return set, false, nil
}

func bitsToPrefix(bs asn1.BitString, bits int) (netip.Prefix, error) {
	addr, err := bitsToAddr(bs, bits, false)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, bs.BitLength), nil
}

func bitsToAddr(bs asn1.BitString, bits int, padOnes bool) (netip.Addr, error) {
	if bs.BitLength > bits {
		return netip.Addr{}, serrors.New("address bit string too long", "len", bs.BitLength)
	}
	raw := make([]byte, bits/8)
	copy(raw, bs.Bytes)
	if padOnes {
		for i := bs.BitLength; i < bits; i++ {
			raw[i/8] |= 1 << (7 - i%8)
		}
	}
	if bits == 32 {
		return netip.AddrFrom4([4]byte(raw)), nil
	}
	return netip.AddrFrom16([16]byte(raw)), nil
}

// decodeASIdentifiers parses the extension value back into a resource set.
func decodeASIdentifiers(raw []byte) (resources.Set, bool, error) {
	var ids asIdentifiers
	if rest, err := asn1.Unmarshal(raw, &ids); err != nil || len(rest) > 0 {
		return resources.Set{}, false, serrors.New("invalid ASIdentifiers extension")
	}
	if len(ids.ASNum.FullBytes) == 0 {
		return resources.Empty(), false, nil
	}
	// ASNum holds the [0] wrapper; its content is the ASIdentifierChoice.
	var choice asn1.RawValue
	if _, err := asn1.Unmarshal(ids.ASNum.Bytes, &choice); err != nil {
		return resources.Set{}, false, serrors.Wrap("decoding AS choice", err)
	}
	if choice.Tag == asn1.TagNull && choice.Class == asn1.ClassUniversal {
		return resources.Set{}, true, nil
	}
	set := resources.Empty()
	rest := choice.Bytes
	for len(rest) > 0 {
		var element asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &element)
		if err != nil {
			return resources.Set{}, false, serrors.Wrap("decoding AS element", err)
		}
		switch element.Tag {
		case asn1.TagInteger:
			var id int64
			if _, err := asn1.Unmarshal(element.FullBytes, &id); err != nil {
				return resources.Set{}, false, serrors.Wrap("decoding AS id", err)
			}
			set = set.Union(resources.FromASN(resources.ASN(id)))
		case asn1.TagSequence:
			var r asRange
			if _, err := asn1.Unmarshal(element.FullBytes, &r); err != nil {
				return resources.Set{}, false, serrors.Wrap("decoding AS range", err)
			}
			rangeSet, err := resources.Parse(
				resources.ASN(r.Min).String()+"-"+resources.ASN(r.Max).String(), "", "")
			if err != nil {
				return resources.Set{}, false, err
			}
			set = set.Union(rangeSet)
		default:
			return resources.Set{}, false, serrors.New("unexpected AS element")
		}
	}
	return set, false, nil
}

// encodeSIA builds the SubjectInfoAccess extension from access method/URI
// pairs.
func encodeSIA(entries []siaEntry) ([]byte, error) {
	descs := make([]accessDescription, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, accessDescription{
			Method: e.method,
			Location: asn1.RawValue{
				Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(e.uri),
			},
		})
	}
	raw, err := asn1.Marshal(descs)
	if err != nil {
		return nil, serrors.Wrap("encoding SIA", err)
	}
	return raw, nil
}

type siaEntry struct {
	method asn1.ObjectIdentifier
	uri    string
}

// decodeSIA returns the access location for the given method, if present.
func decodeSIA(raw []byte, method asn1.ObjectIdentifier) (string, error) {
	var descs []accessDescription
	if rest, err := asn1.Unmarshal(raw, &descs); err != nil || len(rest) > 0 {
		return "", serrors.New("invalid SIA extension")
	}
	for _, d := range descs {
		if d.Method.Equal(method) && d.Location.Tag == 6 {
			return string(d.Location.Bytes), nil
		}
	}
	return "", nil
}

func encodeCertPolicies() ([]byte, error) {
	raw, err := asn1.Marshal([]policyInformation{{Policy: oidPolicyRPKI}})
	if err != nil {
		return nil, serrors.Wrap("encoding certificate policies", err)
	}
	return raw, nil
}

// rsyncOrEmpty converts a possibly empty URI for SIA encoding.
func rsyncOrEmpty(u rpki.RsyncURI) string {
	return string(u)
}
