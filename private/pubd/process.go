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

package pubd

import (
	"crypto/x509"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
)

// ProcessCommand implements aggregate.Aggregate.
func (r *Repository) ProcessCommand(cmd aggregate.Command, now time.Time) ([]eventstore.Event, error) {
	if init, ok := cmd.(InitCmd); ok {
		return r.processInit(init, now)
	}
	if r.state.Version == 0 {
		return nil, aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"repository %q does not exist", cmd.Handle())
	}
	switch cmd := cmd.(type) {
	case AddPublisherCmd:
		return r.processAddPublisher(cmd, now)
	case RemovePublisherCmd:
		return r.processRemovePublisher(cmd)
	case DeltaCmd:
		return r.processDelta(cmd)
	case RotateSessionCmd:
		return r.processRotateSession(cmd)
	default:
		return nil, aggregate.NewDomainError(aggregate.KindMalformed,
			"unknown command %q", cmd.Kind())
	}
}

func (r *Repository) processInit(cmd InitCmd, now time.Time) ([]eventstore.Event, error) {
	if r.state.Version != 0 {
		return nil, aggregate.NewDomainError(aggregate.KindAlreadyExists,
			"repository %q already exists", cmd.Repo)
	}
	idKI, err := r.keys.Create()
	if err != nil {
		return nil, err
	}
	idSigner, err := r.keys.Signer(idKI)
	if err != nil {
		return nil, err
	}
	idCert, err := scrypto.NewIDCert(r.rnd, idSigner, now)
	if err != nil {
		return nil, err
	}
	session, err := uuid.NewRandomFromReader(r.rnd)
	if err != nil {
		return nil, serrors.Wrap("drawing session id", err)
	}
	event, err := r.event(1, EvtInitialized, InitializedEvent{
		IDKey:     idKI,
		IDCertDER: idCert.Raw,
		SessionID: session.String(),
	})
	if err != nil {
		return nil, err
	}
	return []eventstore.Event{event}, nil
}

func (r *Repository) processAddPublisher(cmd AddPublisherCmd, now time.Time) ([]eventstore.Event, error) {
	if _, ok := r.state.Publishers[cmd.Publisher]; ok {
		return nil, aggregate.NewDomainError(aggregate.KindAlreadyExists,
			"publisher %q already registered", cmd.Publisher)
	}
	if err := cmd.Publisher.Validate(); err != nil {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed,
			"invalid publisher handle: %v", err)
	}
	if cmd.BaseURI == "" {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed,
			"publisher without base uri")
	}
	idCert, err := x509.ParseCertificate(cmd.IDCertDER)
	if err != nil {
		return nil, aggregate.NewDomainError(aggregate.KindCrypto,
			"publisher identity does not parse: %v", err)
	}
	if err := scrypto.ValidateIDCert(idCert, now); err != nil {
		return nil, aggregate.NewDomainError(aggregate.KindCrypto,
			"publisher identity is invalid: %v", err)
	}
	for handle, other := range r.state.Publishers {
		if other.BaseURI == cmd.BaseURI {
			return nil, aggregate.NewDomainError(aggregate.KindAlreadyExists,
				"base uri already claimed by %q", handle)
		}
	}
	event, err := r.event(r.state.Version+1, EvtPublisherAdded, PublisherAddedEvent{
		Publisher: cmd.Publisher,
		IDCertDER: cmd.IDCertDER,
		BaseURI:   cmd.BaseURI,
	})
	if err != nil {
		return nil, err
	}
	return []eventstore.Event{event}, nil
}

func (r *Repository) processRemovePublisher(cmd RemovePublisherCmd) ([]eventstore.Event, error) {
	publisher, ok := r.state.Publishers[cmd.Publisher]
	if !ok {
		return nil, aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"publisher %q not registered", cmd.Publisher)
	}
	var events []eventstore.Event
	version := r.state.Version

	if len(publisher.Objects) > 0 {
		changes := make([]Change, 0, len(publisher.Objects))
		for _, ref := range r.publisherObjects(cmd.Publisher) {
			changes = append(changes, Change{Op: OpWithdraw, URI: ref.URI, OldHash: ref.Hash})
		}
		version++
		delta, err := r.event(version, EvtDeltaApplied, DeltaAppliedEvent{
			Publisher: cmd.Publisher,
			Serial:    r.state.Serial + 1,
			Changes:   changes,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, delta)
	}
	version++
	removed, err := r.event(version, EvtPublisherRemoved, PublisherRemovedEvent{
		Publisher: cmd.Publisher,
	})
	if err != nil {
		return nil, err
	}
	return append(events, removed), nil
}

func (r *Repository) processDelta(cmd DeltaCmd) ([]eventstore.Event, error) {
	if cmd.IntentID != "" {
		if _, applied := r.state.AppliedIntents[cmd.IntentID]; applied {
			return nil, nil
		}
	}
	publisher, ok := r.state.Publishers[cmd.Publisher]
	if !ok {
		return nil, aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"publisher %q not registered", cmd.Publisher)
	}
	if len(cmd.Changes) == 0 {
		return nil, nil
	}
	// Validate the whole delta before anything is applied; a failure
	// rejects the delta as a unit.
	for _, change := range cmd.Changes {
		if !publisher.BaseURI.IsParentOf(change.URI) {
			return nil, aggregate.NewDomainError(aggregate.KindURIOutsideBase,
				"uri %s outside base %s", change.URI, publisher.BaseURI)
		}
		entry := publisher.Objects[change.URI]
		switch change.Op {
		case OpPublish:
			if entry != nil {
				return nil, aggregate.NewDomainError(aggregate.KindAlreadyExists,
					"object already present at %s", change.URI)
			}
			if len(change.Bytes) == 0 {
				return nil, aggregate.NewDomainError(aggregate.KindMalformed,
					"publish without content at %s", change.URI)
			}
		case OpUpdate:
			if entry == nil {
				return nil, aggregate.NewDomainError(aggregate.KindNotFound,
					"no object present at %s", change.URI)
			}
			if entry.Hash != change.OldHash {
				return nil, aggregate.NewDomainError(aggregate.KindHashMismatch,
					"hash mismatch at %s", change.URI)
			}
			if len(change.Bytes) == 0 {
				return nil, aggregate.NewDomainError(aggregate.KindMalformed,
					"update without content at %s", change.URI)
			}
		case OpWithdraw:
			if entry == nil {
				return nil, aggregate.NewDomainError(aggregate.KindNotFound,
					"no object present at %s", change.URI)
			}
			if entry.Hash != change.OldHash {
				return nil, aggregate.NewDomainError(aggregate.KindHashMismatch,
					"hash mismatch at %s", change.URI)
			}
		default:
			return nil, aggregate.NewDomainError(aggregate.KindMalformed,
				"unknown operation %q", change.Op)
		}
	}
	event, err := r.event(r.state.Version+1, EvtDeltaApplied, DeltaAppliedEvent{
		Publisher: cmd.Publisher,
		IntentID:  cmd.IntentID,
		Serial:    r.state.Serial + 1,
		Changes:   cmd.Changes,
	})
	if err != nil {
		return nil, err
	}
	return []eventstore.Event{event}, nil
}

func (r *Repository) processRotateSession(RotateSessionCmd) ([]eventstore.Event, error) {
	session, err := uuid.NewRandomFromReader(r.rnd)
	if err != nil {
		return nil, serrors.Wrap("drawing session id", err)
	}
	event, err := r.event(r.state.Version+1, EvtSessionRotated, SessionRotatedEvent{
		SessionID: session.String(),
	})
	if err != nil {
		return nil, err
	}
	return []eventstore.Event{event}, nil
}

// publisherObjects returns a publisher's objects in deterministic order.
func (r *Repository) publisherObjects(handle rpki.Handle) []ObjectRef {
	publisher := r.state.Publishers[handle]
	if publisher == nil {
		return nil
	}
	var out []ObjectRef
	for uri, entry := range publisher.Objects {
		out = append(out, ObjectRef{URI: uri, Hash: entry.Hash, Bytes: entry.Bytes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (r *Repository) event(version uint64, evtType string, payload any) (eventstore.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return eventstore.Event{}, serrors.Wrap("encoding event", err, "type", evtType)
	}
	return eventstore.Event{
		Handle:  r.state.Handle,
		Version: version,
		Type:    evtType,
		Data:    data,
	}, nil
}

// Apply implements aggregate.Aggregate.
func (r *Repository) Apply(event eventstore.Event) error {
	switch event.Type {
	case EvtInitialized:
		var e InitializedEvent
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return serrors.Wrap("decoding event", err, "type", event.Type)
		}
		r.state.IDKey = e.IDKey
		r.state.IDCertDER = e.IDCertDER
		r.state.SessionID = e.SessionID
		// RRDP serials start at 1: the initial, empty snapshot.
		r.state.Serial = 1

	case EvtPublisherAdded:
		var e PublisherAddedEvent
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return serrors.Wrap("decoding event", err, "type", event.Type)
		}
		if r.state.Publishers == nil {
			r.state.Publishers = make(map[rpki.Handle]*Publisher)
		}
		r.state.Publishers[e.Publisher] = &Publisher{
			IDCertDER: e.IDCertDER,
			BaseURI:   e.BaseURI,
		}

	case EvtPublisherRemoved:
		var e PublisherRemovedEvent
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return serrors.Wrap("decoding event", err, "type", event.Type)
		}
		delete(r.state.Publishers, e.Publisher)

	case EvtDeltaApplied:
		var e DeltaAppliedEvent
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return serrors.Wrap("decoding event", err, "type", event.Type)
		}
		publisher := r.state.Publishers[e.Publisher]
		if publisher == nil {
			return serrors.New("delta for unknown publisher", "publisher", e.Publisher)
		}
		if publisher.Objects == nil {
			publisher.Objects = make(map[rpki.RsyncURI]*ObjectEntry)
		}
		size := 0
		for _, change := range e.Changes {
			switch change.Op {
			case OpWithdraw:
				delete(publisher.Objects, change.URI)
			default:
				publisher.Objects[change.URI] = &ObjectEntry{
					Hash:  scrypto.DigestHex(change.Bytes),
					Bytes: change.Bytes,
				}
				size += len(change.Bytes)
			}
		}
		r.state.Serial = e.Serial
		r.state.Deltas = append(r.state.Deltas, DeltaLog{
			Serial:  e.Serial,
			Size:    size,
			Changes: e.Changes,
		})
		r.trimDeltas()
		if e.IntentID != "" {
			if r.state.AppliedIntents == nil {
				r.state.AppliedIntents = make(map[string]uint64)
			}
			r.state.AppliedIntents[e.IntentID] = e.Serial
		}

	case EvtSessionRotated:
		var e SessionRotatedEvent
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return serrors.Wrap("decoding event", err, "type", event.Type)
		}
		r.state.SessionID = e.SessionID
		r.state.Serial = 1
		r.state.Deltas = nil

	default:
		return serrors.New("unknown repository event", "type", event.Type)
	}
	r.state.Version = event.Version
	return nil
}

// trimDeltas drops the oldest deltas once their cumulative size exceeds
// the size of the current snapshot, per the RRDP retention rule.
func (r *Repository) trimDeltas() {
	limit := r.snapshotSize()
	for {
		total := 0
		for _, d := range r.state.Deltas {
			total += d.Size
		}
		if total <= limit || len(r.state.Deltas) <= 1 {
			return
		}
		r.state.Deltas = r.state.Deltas[1:]
	}
}
