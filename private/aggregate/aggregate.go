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

// Package aggregate implements the generic command processing loop over
// event sourced aggregates: load state, validate the command into events,
// append with an optimistic version check, apply, snapshot, and notify
// subscribers. Aggregates of the same kind are serialized per handle;
// different handles proceed in parallel.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/metrics"
	"github.com/krillpki/krill/pkg/private/prom"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/eventstore"
)

// Command is an intent submitted to an aggregate.
type Command interface {
	// Handle identifies the target aggregate.
	Handle() rpki.Handle
	// Kind is a stable name for the command, used in audit records.
	Kind() string
	// Summary is a short human readable description.
	Summary() string
}

// Aggregate is the state of one consistency unit. ProcessCommand is pure
// validation over the current state (the injected now is its only clock);
// Apply is total on events the aggregate emitted itself.
type Aggregate interface {
	Handle() rpki.Handle
	Version() uint64
	ProcessCommand(cmd Command, now time.Time) ([]eventstore.Event, error)
	Apply(event eventstore.Event) error
	MarshalSnapshot() (json.RawMessage, error)
}

// Factory creates aggregates of one kind.
type Factory interface {
	// Kind names the aggregate kind, e.g. "ca" or "pubd".
	Kind() string
	// New returns the empty state for a handle, at version 0.
	New(handle rpki.Handle) Aggregate
	// FromSnapshot restores state from a stored snapshot.
	FromSnapshot(snapshot *eventstore.Snapshot) (Aggregate, error)
}

// Listener receives the events of successfully processed commands, after
// they are durably stored.
type Listener interface {
	HandleEvents(events []eventstore.Event)
}

// Recorder stores accepted commands for audit. Implementations must not
// fail the command path; errors are logged and dropped.
type Recorder interface {
	Record(ctx context.Context, cmd Command, version uint64, events []eventstore.Event) error
}

// Metrics holds the processor's metrics. A nil field disables that
// metric.
type Metrics struct {
	// Commands counts processed commands by operation and result.
	Commands metrics.Counter
}

// Config configures a Processor.
type Config struct {
	// SnapshotEvery writes a snapshot after a command whose last event
	// leaves the aggregate at a version that is a multiple of this value;
	// a command whose events step over a multiple writes none. Defaults
	// to 16.
	SnapshotEvery uint64
	// Clock provides the command time. Defaults to time.Now.
	Clock func() time.Time
	// Metrics for the processor.
	Metrics Metrics
	// Audit optionally records accepted commands.
	Audit Recorder
}

const defaultSnapshotEvery = 16

// conflictRetries bounds reload-and-retry on version conflicts. With the
// per-handle lock held a conflict indicates an out-of-band writer, so a
// small bound suffices.
const conflictRetries = 3

// Processor drives commands through aggregates of one kind.
type Processor struct {
	store     *eventstore.Store
	factory   Factory
	cfg       Config
	listeners []Listener

	mu    sync.Mutex
	locks map[rpki.Handle]*sync.Mutex
}

// NewProcessor creates a processor over the given store and factory.
func NewProcessor(store *eventstore.Store, factory Factory, cfg Config) *Processor {
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = defaultSnapshotEvery
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Processor{
		store:   store,
		factory: factory,
		cfg:     cfg,
		locks:   make(map[rpki.Handle]*sync.Mutex),
	}
}

// Subscribe registers a listener. Not safe for concurrent use with Send;
// subscribe during setup.
func (p *Processor) Subscribe(l Listener) {
	p.listeners = append(p.listeners, l)
}

// Send processes a command: the returned aggregate reflects the state
// after the emitted events were applied. A command that emits no events
// succeeds without writing anything.
func (p *Processor) Send(ctx context.Context, cmd Command) (Aggregate, []eventstore.Event, error) {
	logger := log.FromCtx(ctx)
	handleLock := p.handleLock(cmd.Handle())
	handleLock.Lock()
	defer handleLock.Unlock()

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		state, err := p.loadLocked(cmd.Handle())
		if err != nil {
			p.count(cmd, prom.ErrStore)
			return nil, nil, err
		}
		events, err := state.ProcessCommand(cmd, p.cfg.Clock())
		if err != nil {
			p.count(cmd, prom.ErrInvalidReq)
			return nil, nil, err
		}
		if len(events) == 0 {
			p.count(cmd, prom.Success)
			return state, nil, nil
		}
		newVersion, err := p.store.Append(cmd.Handle(), state.Version(), events)
		if err != nil {
			if errors.Is(err, eventstore.ErrConflict) {
				lastErr = err
				continue
			}
			p.count(cmd, prom.ErrStore)
			return nil, nil, err
		}
		for _, event := range events {
			if err := state.Apply(event); err != nil {
				// An event the aggregate emitted itself must apply; this is
				// an invariant violation, not an input error.
				p.count(cmd, prom.ErrInternal)
				return nil, nil, serrors.Wrap("applying emitted event", err,
					"handle", cmd.Handle(), "type", event.Type)
			}
		}
		p.maybeSnapshot(state, newVersion, logger)
		p.audit(ctx, cmd, newVersion, events, logger)
		for _, l := range p.listeners {
			l.HandleEvents(events)
		}
		p.count(cmd, prom.Success)
		return state, events, nil
	}
	p.count(cmd, prom.ErrConflict)
	return nil, nil, serrors.Wrap("giving up after conflicts", lastErr, "handle", cmd.Handle())
}

// Get loads the current state of an aggregate.
func (p *Processor) Get(handle rpki.Handle) (Aggregate, error) {
	handleLock := p.handleLock(handle)
	handleLock.Lock()
	defer handleLock.Unlock()
	state, err := p.loadLocked(handle)
	if err != nil {
		return nil, err
	}
	if state.Version() == 0 {
		return nil, serrors.WithCtx(eventstore.ErrNotFound, "handle", handle)
	}
	return state, nil
}

// Exists reports whether an aggregate with the handle is stored.
func (p *Processor) Exists(handle rpki.Handle) (bool, error) {
	return p.store.Exists(handle)
}

// List returns all stored handles of this processor's kind.
func (p *Processor) List() ([]rpki.Handle, error) {
	return p.store.List()
}

func (p *Processor) loadLocked(handle rpki.Handle) (Aggregate, error) {
	snapshot, events, _, err := p.store.Load(handle)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			return p.factory.New(handle), nil
		}
		return nil, err
	}
	var state Aggregate
	if snapshot != nil {
		if state, err = p.factory.FromSnapshot(snapshot); err != nil {
			return nil, err
		}
	} else {
		state = p.factory.New(handle)
	}
	for _, event := range events {
		if err := state.Apply(event); err != nil {
			return nil, serrors.Wrap("replaying event", err,
				"handle", handle, "version", event.Version)
		}
	}
	return state, nil
}

func (p *Processor) maybeSnapshot(state Aggregate, version uint64, logger log.Logger) {
	if version%p.cfg.SnapshotEvery != 0 {
		return
	}
	data, err := state.MarshalSnapshot()
	if err != nil {
		logger.Error("Marshaling snapshot failed", "handle", state.Handle(), "err", err)
		return
	}
	if err := p.store.WriteSnapshot(state.Handle(), version, data); err != nil {
		// The events are durable; a missing snapshot only costs replay time.
		logger.Error("Writing snapshot failed", "handle", state.Handle(), "err", err)
	}
}

func (p *Processor) audit(ctx context.Context, cmd Command, version uint64,
	events []eventstore.Event, logger log.Logger) {

	if p.cfg.Audit == nil {
		return
	}
	if err := p.cfg.Audit.Record(ctx, cmd, version, events); err != nil {
		logger.Error("Recording command failed", "op", cmd.Kind(), "err", err)
	}
}

func (p *Processor) count(cmd Command, result string) {
	if p.cfg.Metrics.Commands == nil {
		return
	}
	p.cfg.Metrics.Commands.With(prom.LabelOperation, cmd.Kind(),
		prom.LabelResult, result).Add(1)
}

func (p *Processor) handleLock(handle rpki.Handle) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[handle]
	if !ok {
		l = &sync.Mutex{}
		p.locks[handle] = l
	}
	return l
}
