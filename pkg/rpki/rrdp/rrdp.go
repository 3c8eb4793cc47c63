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

// Package rrdp defines the RPKI Repository Delta Protocol XML documents
// (RFC 8182): notification, snapshot and delta files.
package rrdp

import (
	"encoding/xml"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// NS is the RRDP XML namespace.
const NS = "http://www.ripe.net/rpki/rrdp"

// Version is the protocol version emitted and accepted.
const Version = "1"

// ContentType is the media type for all three document kinds.
const ContentType = "application/rpki-rrdp+xml"

// SnapshotRef points at the current snapshot from a notification.
type SnapshotRef struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

// DeltaRef points at one delta from a notification.
type DeltaRef struct {
	Serial uint64 `xml:"serial,attr"`
	URI    string `xml:"uri,attr"`
	Hash   string `xml:"hash,attr"`
}

// Notification is the entry document relying parties poll.
type Notification struct {
	XMLName   xml.Name    `xml:"notification"`
	Xmlns     string      `xml:"xmlns,attr"`
	Version   string      `xml:"version,attr"`
	SessionID string      `xml:"session_id,attr"`
	Serial    uint64      `xml:"serial,attr"`
	Snapshot  SnapshotRef `xml:"snapshot"`
	Deltas    []DeltaRef  `xml:"delta"`
}

// PublishElement carries one object: in snapshots without a hash, in
// deltas with the hash of the replaced object when it replaces one.
type PublishElement struct {
	URI    string `xml:"uri,attr"`
	Hash   string `xml:"hash,attr,omitempty"`
	Base64 string `xml:",chardata"`
}

// WithdrawElement removes one object; the hash names the removed content.
type WithdrawElement struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

// Snapshot is the full object set at one serial.
type Snapshot struct {
	XMLName   xml.Name         `xml:"snapshot"`
	Xmlns     string           `xml:"xmlns,attr"`
	Version   string           `xml:"version,attr"`
	SessionID string           `xml:"session_id,attr"`
	Serial    uint64           `xml:"serial,attr"`
	Publish   []PublishElement `xml:"publish"`
}

// Delta lists the changes from serial-1 to serial.
type Delta struct {
	XMLName   xml.Name          `xml:"delta"`
	Xmlns     string            `xml:"xmlns,attr"`
	Version   string            `xml:"version,attr"`
	SessionID string            `xml:"session_id,attr"`
	Serial    uint64            `xml:"serial,attr"`
	Publish   []PublishElement  `xml:"publish"`
	Withdraw  []WithdrawElement `xml:"withdraw"`
}

// Encode serializes a document with the XML header.
func Encode(doc any) ([]byte, error) {
	raw, err := xml.Marshal(doc)
	if err != nil {
		return nil, serrors.Wrap("encoding RRDP document", err)
	}
	return append([]byte(xml.Header), raw...), nil
}

// DecodeNotification parses a notification document.
func DecodeNotification(raw []byte) (*Notification, error) {
	var n Notification
	if err := xml.Unmarshal(raw, &n); err != nil {
		return nil, serrors.Wrap("decoding notification", err)
	}
	if n.Version != Version {
		return nil, serrors.New("unsupported RRDP version", "version", n.Version)
	}
	return &n, nil
}

// DecodeSnapshot parses a snapshot document.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	var s Snapshot
	if err := xml.Unmarshal(raw, &s); err != nil {
		return nil, serrors.Wrap("decoding snapshot", err)
	}
	if s.Version != Version {
		return nil, serrors.New("unsupported RRDP version", "version", s.Version)
	}
	return &s, nil
}

// DecodeDelta parses a delta document.
func DecodeDelta(raw []byte) (*Delta, error) {
	var d Delta
	if err := xml.Unmarshal(raw, &d); err != nil {
		return nil, serrors.Wrap("decoding delta", err)
	}
	if d.Version != Version {
		return nil, serrors.New("unsupported RRDP version", "version", d.Version)
	}
	return &d, nil
}
