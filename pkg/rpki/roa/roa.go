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

// Package roa encodes and decodes the Route Origin Authorization eContent
// (RFC 6482).
package roa

import (
	"encoding/asn1"
	"fmt"
	"net/netip"
	"sort"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki/resources"
)

// Prefix is one authorized prefix with its maximum announced length.
type Prefix struct {
	Prefix    netip.Prefix `json:"prefix"`
	MaxLength int          `json:"max_length"`
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s-%d", p.Prefix, p.MaxLength)
}

// Validate checks the max length against the prefix.
func (p Prefix) Validate() error {
	if !p.Prefix.IsValid() {
		return serrors.New("invalid prefix")
	}
	limit := 32
	if !p.Prefix.Addr().Is4() {
		limit = 128
	}
	if p.MaxLength < p.Prefix.Bits() || p.MaxLength > limit {
		return serrors.New("invalid max length",
			"prefix", p.Prefix, "max_length", p.MaxLength)
	}
	return nil
}

// ROA is the payload of a ROA signed object: one origin AS and the
// prefixes it is authorized to announce.
type ROA struct {
	ASN      resources.ASN `json:"asn"`
	Prefixes []Prefix      `json:"prefixes"`
}

type roaContent struct {
	ASID   int64
	Blocks []roaIPFamily
}

type roaIPFamily struct {
	AFI       []byte
	Addresses []roaAddress
}

type roaAddress struct {
	Address   asn1.BitString
	MaxLength int64 `asn1:"optional"`
}

// EncodeContent produces the DER eContent. Prefixes are grouped by
// family and sorted, so equal ROAs encode identically.
func (r *ROA) EncodeContent() ([]byte, error) {
	prefixes := append([]Prefix(nil), r.Prefixes...)
	sort.Slice(prefixes, func(i, j int) bool {
		if c := prefixes[i].Prefix.Addr().Compare(prefixes[j].Prefix.Addr()); c != 0 {
			return c < 0
		}
		if prefixes[i].Prefix.Bits() != prefixes[j].Prefix.Bits() {
			return prefixes[i].Prefix.Bits() < prefixes[j].Prefix.Bits()
		}
		return prefixes[i].MaxLength < prefixes[j].MaxLength
	})
	var v4, v6 []roaAddress
	for _, p := range prefixes {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		addr := roaAddress{
			Address:   prefixBits(p.Prefix),
			MaxLength: int64(p.MaxLength),
		}
		if p.Prefix.Addr().Is4() {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}
	content := roaContent{ASID: int64(r.ASN)}
	if len(v4) > 0 {
		content.Blocks = append(content.Blocks, roaIPFamily{AFI: []byte{0, 1}, Addresses: v4})
	}
	if len(v6) > 0 {
		content.Blocks = append(content.Blocks, roaIPFamily{AFI: []byte{0, 2}, Addresses: v6})
	}
	raw, err := asn1.Marshal(content)
	if err != nil {
		return nil, serrors.Wrap("encoding ROA", err)
	}
	return raw, nil
}

// DecodeContent parses a DER eContent into a ROA.
func DecodeContent(raw []byte) (*ROA, error) {
	var content roaContent
	rest, err := asn1.Unmarshal(raw, &content)
	if err != nil {
		return nil, serrors.Wrap("decoding ROA", err)
	}
	if len(rest) > 0 {
		return nil, serrors.New("trailing data after ROA")
	}
	r := &ROA{ASN: resources.ASN(content.ASID)}
	for _, block := range content.Blocks {
		if len(block.AFI) < 2 {
			return nil, serrors.New("invalid address family")
		}
		afi := int(block.AFI[0])<<8 | int(block.AFI[1])
		bits := 32
		if afi == 2 {
			bits = 128
		} else if afi != 1 {
			return nil, serrors.New("unsupported address family", "afi", afi)
		}
		for _, addr := range block.Addresses {
			prefix, err := bitsToPrefix(addr.Address, bits)
			if err != nil {
				return nil, err
			}
			maxLength := int(addr.MaxLength)
			if maxLength == 0 {
				maxLength = prefix.Bits()
			}
			p := Prefix{Prefix: prefix, MaxLength: maxLength}
			if err := p.Validate(); err != nil {
				return nil, err
			}
			r.Prefixes = append(r.Prefixes, p)
		}
	}
	return r, nil
}

// ResourceSet returns the prefixes of the ROA as a resource set, for
// subset checks against the issuing key's certified resources.
func (r *ROA) ResourceSet() resources.Set {
	set := resources.Empty()
	for _, p := range r.Prefixes {
		set = set.Union(resources.FromPrefix(p.Prefix))
	}
	return set
}

func prefixBits(p netip.Prefix) asn1.BitString {
	var raw []byte
	if p.Addr().Is4() {
		b := p.Addr().As4()
		raw = b[:]
	} else {
		b := p.Addr().As16()
		raw = b[:]
	}
	n := (p.Bits() + 7) / 8
	return asn1.BitString{Bytes: raw[:n], BitLength: p.Bits()}
}

func bitsToPrefix(bs asn1.BitString, bits int) (netip.Prefix, error) {
	if bs.BitLength > bits {
		return netip.Prefix{}, serrors.New("prefix bit string too long", "len", bs.BitLength)
	}
	raw := make([]byte, bits/8)
	copy(raw, bs.Bytes)
	if bits == 32 {
		return netip.PrefixFrom(netip.AddrFrom4([4]byte(raw)), bs.BitLength), nil
	}
	return netip.PrefixFrom(netip.AddrFrom16([16]byte(raw)), bs.BitLength), nil
}
