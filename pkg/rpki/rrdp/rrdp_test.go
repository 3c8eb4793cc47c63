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

package rrdp_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/rrdp"
)

func TestNotificationRoundTrip(t *testing.T) {
	doc := &rrdp.Notification{
		Xmlns:     rrdp.NS,
		Version:   rrdp.Version,
		SessionID: "9df4b597-af9e-4dca-bdda-719cce2c4e28",
		Serial:    42,
		Snapshot: rrdp.SnapshotRef{
			URI:  "https://host/rrdp/9df4b597/42/snapshot.xml",
			Hash: "ab01",
		},
		Deltas: []rrdp.DeltaRef{
			{Serial: 42, URI: "https://host/rrdp/9df4b597/42/delta.xml", Hash: "cd02"},
			{Serial: 41, URI: "https://host/rrdp/9df4b597/41/delta.xml", Hash: "ef03"},
		},
	}
	raw, err := rrdp.Encode(doc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `<?xml`)

	back, err := rrdp.DecodeNotification(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, back, cmpopts.IgnoreFields(rrdp.Notification{}, "XMLName")); diff != "" {
		t.Fatalf("notification mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	doc := &rrdp.Delta{
		Xmlns:     rrdp.NS,
		Version:   rrdp.Version,
		SessionID: "9df4b597-af9e-4dca-bdda-719cce2c4e28",
		Serial:    7,
		Publish: []rrdp.PublishElement{
			{URI: "rsync://host/repo/a.roa", Base64: "YWJj"},
			{URI: "rsync://host/repo/b.roa", Hash: "0102", Base64: "ZGVm"},
		},
		Withdraw: []rrdp.WithdrawElement{
			{URI: "rsync://host/repo/c.roa", Hash: "0304"},
		},
	}
	raw, err := rrdp.Encode(doc)
	require.NoError(t, err)
	back, err := rrdp.DecodeDelta(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, back, cmpopts.IgnoreFields(rrdp.Delta{}, "XMLName")); diff != "" {
		t.Fatalf("delta mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	raw := []byte(`<notification xmlns="http://www.ripe.net/rpki/rrdp" version="2"
		session_id="s" serial="1"><snapshot uri="u" hash="h"/></notification>`)
	_, err := rrdp.DecodeNotification(raw)
	assert.Error(t, err)
}
