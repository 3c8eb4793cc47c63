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

// Package mft encodes and decodes the manifest eContent (RFC 6486). The
// CMS envelope around it is handled by scrypto/cms.
package mft

import (
	"bytes"
	"crypto/sha256"
	"encoding/asn1"
	"sort"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// oidHashSHA256 is the file hash algorithm pinned by the profile.
var oidHashSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// Entry is one file listed on a manifest.
type Entry struct {
	// File is the file name, without any directory part.
	File string `json:"file"`
	// Hash is the SHA-256 digest of the file content.
	Hash [sha256.Size]byte `json:"hash"`
}

// Manifest is the payload of a manifest signed object. It lists exactly
// the files published under the issuing key's SIA directory.
type Manifest struct {
	// Number is the manifestNumber, strictly increasing per key.
	Number uint64 `json:"number"`
	// ThisUpdate and NextUpdate bound the manifest's shelf life.
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	// Entries, sorted by file name.
	Entries []Entry `json:"entries"`
}

type manifestContent struct {
	Number      int64
	ThisUpdate  time.Time `asn1:"generalized"`
	NextUpdate  time.Time `asn1:"generalized"`
	FileHashAlg asn1.ObjectIdentifier
	FileList    []fileAndHash
}

type fileAndHash struct {
	File string `asn1:"ia5"`
	Hash asn1.BitString
}

// EncodeContent produces the DER eContent. Entries are sorted by file
// name, so equal manifests encode identically.
func (m *Manifest) EncodeContent() ([]byte, error) {
	entries := append([]Entry(nil), m.Entries...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].File < entries[j].File
	})
	content := manifestContent{
		Number:      int64(m.Number),
		ThisUpdate:  m.ThisUpdate.UTC().Truncate(time.Second),
		NextUpdate:  m.NextUpdate.UTC().Truncate(time.Second),
		FileHashAlg: oidHashSHA256,
		FileList:    make([]fileAndHash, 0, len(entries)),
	}
	for _, e := range entries {
		content.FileList = append(content.FileList, fileAndHash{
			File: e.File,
			Hash: asn1.BitString{Bytes: e.Hash[:], BitLength: sha256.Size * 8},
		})
	}
	raw, err := asn1.Marshal(content)
	if err != nil {
		return nil, serrors.Wrap("encoding manifest", err)
	}
	return raw, nil
}

// DecodeContent parses a DER eContent into a Manifest.
func DecodeContent(raw []byte) (*Manifest, error) {
	var content manifestContent
	rest, err := asn1.Unmarshal(raw, &content)
	if err != nil {
		return nil, serrors.Wrap("decoding manifest", err)
	}
	if len(rest) > 0 {
		return nil, serrors.New("trailing data after manifest")
	}
	if !content.FileHashAlg.Equal(oidHashSHA256) {
		return nil, serrors.New("unsupported file hash algorithm",
			"oid", content.FileHashAlg)
	}
	m := &Manifest{
		Number:     uint64(content.Number),
		ThisUpdate: content.ThisUpdate,
		NextUpdate: content.NextUpdate,
	}
	for _, fh := range content.FileList {
		if fh.Hash.BitLength != sha256.Size*8 {
			return nil, serrors.New("bad file hash length", "file", fh.File)
		}
		var entry Entry
		entry.File = fh.File
		copy(entry.Hash[:], fh.Hash.Bytes)
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

// Lists reports whether the manifest lists the file with exactly the
// given hash.
func (m *Manifest) Lists(file string, hash [sha256.Size]byte) bool {
	for _, e := range m.Entries {
		if e.File == file {
			return bytes.Equal(e.Hash[:], hash[:])
		}
	}
	return false
}
