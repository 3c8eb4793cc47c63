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

// Package pubd implements the publication server aggregate: registered
// publishers, their current objects, and the RRDP session with its
// monotonic serial and delta log.
package pubd

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
)

// DefaultHandle is the handle of the single publication server aggregate.
const DefaultHandle = rpki.Handle("pubd")

// Change is one element of a publication delta.
type Change struct {
	// Op is "publish", "update" or "withdraw".
	Op string `json:"op"`
	// URI of the object.
	URI rpki.RsyncURI `json:"uri"`
	// OldHash is the hex SHA-256 of the replaced or withdrawn object.
	OldHash string `json:"old_hash,omitempty"`
	// Bytes is the new content for publish and update.
	Bytes []byte `json:"bytes,omitempty"`
}

// Change operations, matching RFC 8181 element names.
const (
	OpPublish  = "publish"
	OpUpdate   = "update"
	OpWithdraw = "withdraw"
)

// ObjectEntry is one published object of a publisher.
type ObjectEntry struct {
	Hash  string `json:"hash"`
	Bytes []byte `json:"bytes"`
}

// Publisher is the state of one registered publisher.
type Publisher struct {
	IDCertDER []byte                         `json:"id_cert"`
	BaseURI   rpki.RsyncURI                  `json:"base_uri"`
	Objects   map[rpki.RsyncURI]*ObjectEntry `json:"objects,omitempty"`
}

// DeltaLog is one applied delta retained for RRDP serving.
type DeltaLog struct {
	Serial  uint64   `json:"serial"`
	Size    int      `json:"size"`
	Changes []Change `json:"changes"`
}

type pubdState struct {
	Handle  rpki.Handle `json:"handle"`
	Version uint64      `json:"version"`

	IDKey     rpki.KeyID `json:"id_key"`
	IDCertDER []byte     `json:"id_cert"`

	SessionID string `json:"session_id"`
	Serial    uint64 `json:"serial"`

	Publishers map[rpki.Handle]*Publisher `json:"publishers,omitempty"`
	Deltas     []DeltaLog                 `json:"deltas,omitempty"`

	// AppliedIntents maps publication intent ids to the serial that
	// applied them, making cross-aggregate publication idempotent.
	AppliedIntents map[string]uint64 `json:"applied_intents,omitempty"`
}

// Repository is the publication server aggregate.
type Repository struct {
	state pubdState
	keys  *keystore.Store
	rnd   io.Reader
}

// Factory creates Repository aggregates.
type Factory struct {
	Keys *keystore.Store
	Rand io.Reader
}

// Kind implements aggregate.Factory.
func (f Factory) Kind() string { return "pubd" }

// New implements aggregate.Factory.
func (f Factory) New(handle rpki.Handle) aggregate.Aggregate {
	return &Repository{state: pubdState{Handle: handle}, keys: f.Keys, rnd: f.Rand}
}

// FromSnapshot implements aggregate.Factory.
func (f Factory) FromSnapshot(snapshot *eventstore.Snapshot) (aggregate.Aggregate, error) {
	r := f.New(snapshot.Handle).(*Repository)
	if err := json.Unmarshal(snapshot.Data, &r.state); err != nil {
		return nil, serrors.Wrap("decoding repository snapshot", err, "handle", snapshot.Handle)
	}
	return r, nil
}

// Handle implements aggregate.Aggregate.
func (r *Repository) Handle() rpki.Handle { return r.state.Handle }

// Version implements aggregate.Aggregate.
func (r *Repository) Version() uint64 { return r.state.Version }

// MarshalSnapshot implements aggregate.Aggregate.
func (r *Repository) MarshalSnapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(r.state)
	if err != nil {
		return nil, serrors.Wrap("encoding repository state", err)
	}
	return raw, nil
}

// SessionID returns the RRDP session id.
func (r *Repository) SessionID() string { return r.state.SessionID }

// Serial returns the current RRDP serial.
func (r *Repository) Serial() uint64 { return r.state.Serial }

// IDCert returns the repository's exchange identity certificate.
func (r *Repository) IDCert() (*x509.Certificate, error) {
	if len(r.state.IDCertDER) == 0 {
		return nil, serrors.New("repository has no identity")
	}
	return x509.ParseCertificate(r.state.IDCertDER)
}

// IDKey returns the key identifier of the exchange identity.
func (r *Repository) IDKey() rpki.KeyID { return r.state.IDKey }

// PublisherNames returns the registered publisher handles, sorted.
func (r *Repository) PublisherNames() []rpki.Handle {
	names := make([]rpki.Handle, 0, len(r.state.Publishers))
	for name := range r.state.Publishers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// PublisherInfo returns a registered publisher, or nil.
func (r *Repository) PublisherInfo(handle rpki.Handle) *Publisher {
	return r.state.Publishers[handle]
}

// ListObjects returns a publisher's current objects as uri to hex hash.
func (r *Repository) ListObjects(handle rpki.Handle) map[rpki.RsyncURI]string {
	publisher := r.state.Publishers[handle]
	if publisher == nil {
		return nil
	}
	out := make(map[rpki.RsyncURI]string, len(publisher.Objects))
	for uri, entry := range publisher.Objects {
		out[uri] = entry.Hash
	}
	return out
}

// AllObjects returns the full current object set across publishers, in
// deterministic URI order.
func (r *Repository) AllObjects() []ObjectRef {
	var out []ObjectRef
	for _, publisher := range r.state.Publishers {
		for uri, entry := range publisher.Objects {
			out = append(out, ObjectRef{URI: uri, Hash: entry.Hash, Bytes: entry.Bytes})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ObjectRef is one object of the repository content.
type ObjectRef struct {
	URI   rpki.RsyncURI
	Hash  string
	Bytes []byte
}

// Deltas returns the retained delta log, oldest first.
func (r *Repository) Deltas() []DeltaLog {
	return append([]DeltaLog(nil), r.state.Deltas...)
}

// snapshotSize is the cumulative size of all current objects; the delta
// retention rule compares against it.
func (r *Repository) snapshotSize() int {
	total := 0
	for _, publisher := range r.state.Publishers {
		for _, entry := range publisher.Objects {
			total += len(entry.Bytes)
		}
	}
	return total
}

// Commands

type baseCmd struct {
	Repo rpki.Handle `json:"handle"`
}

func (c baseCmd) Handle() rpki.Handle { return c.Repo }

// InitCmd creates the publication server aggregate with a fresh RRDP
// session.
type InitCmd struct {
	baseCmd
}

func (c InitCmd) Kind() string    { return "pubd-init" }
func (c InitCmd) Summary() string { return fmt.Sprintf("initialise repository %s", c.Repo) }

// AddPublisherCmd registers a publisher with its base URI jail.
type AddPublisherCmd struct {
	baseCmd
	Publisher rpki.Handle   `json:"publisher"`
	IDCertDER []byte        `json:"id_cert"`
	BaseURI   rpki.RsyncURI `json:"base_uri"`
}

func (c AddPublisherCmd) Kind() string { return "pubd-add-publisher" }
func (c AddPublisherCmd) Summary() string {
	return fmt.Sprintf("add publisher %s", c.Publisher)
}

// RemovePublisherCmd drops a publisher and withdraws its objects.
type RemovePublisherCmd struct {
	baseCmd
	Publisher rpki.Handle `json:"publisher"`
}

func (c RemovePublisherCmd) Kind() string { return "pubd-remove-publisher" }
func (c RemovePublisherCmd) Summary() string {
	return fmt.Sprintf("remove publisher %s", c.Publisher)
}

// DeltaCmd applies a publication delta for one publisher atomically.
type DeltaCmd struct {
	baseCmd
	Publisher rpki.Handle `json:"publisher"`
	// IntentID makes retried deltas idempotent.
	IntentID string   `json:"intent_id"`
	Changes  []Change `json:"changes"`
}

func (c DeltaCmd) Kind() string { return "pubd-delta" }
func (c DeltaCmd) Summary() string {
	return fmt.Sprintf("apply delta of %d changes for %s", len(c.Changes), c.Publisher)
}

// RotateSessionCmd starts a fresh RRDP session. Used when the delta
// chain on disk is found broken; relying parties refetch the snapshot.
type RotateSessionCmd struct {
	baseCmd
}

func (c RotateSessionCmd) Kind() string    { return "pubd-rotate-session" }
func (c RotateSessionCmd) Summary() string { return "rotate RRDP session" }

// Events

const (
	EvtInitialized      = "pubd-initialized"
	EvtPublisherAdded   = "pubd-publisher-added"
	EvtPublisherRemoved = "pubd-publisher-removed"
	EvtDeltaApplied     = "pubd-delta-applied"
	EvtSessionRotated   = "pubd-session-rotated"
)

// InitializedEvent creates the repository.
type InitializedEvent struct {
	IDKey     rpki.KeyID `json:"id_key"`
	IDCertDER []byte     `json:"id_cert"`
	SessionID string     `json:"session_id"`
}

// PublisherAddedEvent registers a publisher.
type PublisherAddedEvent struct {
	Publisher rpki.Handle   `json:"publisher"`
	IDCertDER []byte        `json:"id_cert"`
	BaseURI   rpki.RsyncURI `json:"base_uri"`
}

// PublisherRemovedEvent drops a publisher.
type PublisherRemovedEvent struct {
	Publisher rpki.Handle `json:"publisher"`
}

// DeltaAppliedEvent advances the RRDP serial by one delta.
type DeltaAppliedEvent struct {
	Publisher rpki.Handle `json:"publisher"`
	IntentID  string      `json:"intent_id,omitempty"`
	Serial    uint64      `json:"serial"`
	Changes   []Change    `json:"changes"`
}

// SessionRotatedEvent starts a new session at serial 1.
type SessionRotatedEvent struct {
	SessionID string `json:"session_id"`
}
