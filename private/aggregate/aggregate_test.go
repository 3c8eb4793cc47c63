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

package aggregate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
)

// counter is a minimal aggregate used to exercise the framework.
type counter struct {
	handle  rpki.Handle
	version uint64
	total   int
}

type addCmd struct {
	handle rpki.Handle
	n      int
}

func (c addCmd) Handle() rpki.Handle { return c.handle }
func (c addCmd) Kind() string        { return "add" }
func (c addCmd) Summary() string     { return "add to counter" }

type addedEvent struct {
	N int `json:"n"`
}

func (c *counter) Handle() rpki.Handle { return c.handle }
func (c *counter) Version() uint64     { return c.version }

func (c *counter) ProcessCommand(cmd aggregate.Command, now time.Time) ([]eventstore.Event, error) {
	add, ok := cmd.(addCmd)
	if !ok {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed, "unknown command")
	}
	if add.n < 0 {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed, "negative amount")
	}
	if add.n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(addedEvent{N: add.n})
	if err != nil {
		return nil, err
	}
	return []eventstore.Event{{
		Handle:  c.handle,
		Version: c.version + 1,
		Type:    "added",
		Data:    data,
	}}, nil
}

func (c *counter) Apply(event eventstore.Event) error {
	var added addedEvent
	if err := json.Unmarshal(event.Data, &added); err != nil {
		return err
	}
	c.total += added.N
	c.version = event.Version
	return nil
}

func (c *counter) MarshalSnapshot() (json.RawMessage, error) {
	return json.Marshal(map[string]int{"total": c.total})
}

type counterFactory struct{}

func (counterFactory) Kind() string { return "counter" }

func (counterFactory) New(handle rpki.Handle) aggregate.Aggregate {
	return &counter{handle: handle}
}

func (counterFactory) FromSnapshot(snapshot *eventstore.Snapshot) (aggregate.Aggregate, error) {
	var data map[string]int
	if err := json.Unmarshal(snapshot.Data, &data); err != nil {
		return nil, err
	}
	return &counter{
		handle:  snapshot.Handle,
		version: snapshot.Version,
		total:   data["total"],
	}, nil
}

func newProcessor(t *testing.T, snapshotEvery uint64) *aggregate.Processor {
	t.Helper()
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	return aggregate.NewProcessor(store, counterFactory{}, aggregate.Config{
		SnapshotEvery: snapshotEvery,
		Clock: func() time.Time {
			return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		},
	})
}

func TestSendAppliesEvents(t *testing.T) {
	proc := newProcessor(t, 100)
	ctx := context.Background()

	state, events, err := proc.Send(ctx, addCmd{handle: "c", n: 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), state.Version())

	state, _, err = proc.Send(ctx, addCmd{handle: "c", n: 7})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Version())
	assert.Equal(t, 12, state.(*counter).total)
}

func TestRejectedCommandWritesNothing(t *testing.T) {
	proc := newProcessor(t, 100)
	ctx := context.Background()

	_, _, err := proc.Send(ctx, addCmd{handle: "c", n: 5})
	require.NoError(t, err)

	_, _, err = proc.Send(ctx, addCmd{handle: "c", n: -1})
	require.Error(t, err)
	assert.Equal(t, aggregate.KindMalformed, aggregate.KindOf(err))

	state, err := proc.Get("c")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Version())
}

func TestNoEventsNoWrite(t *testing.T) {
	proc := newProcessor(t, 100)
	_, events, err := proc.Send(context.Background(), addCmd{handle: "c", n: 0})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = proc.Get("c")
	assert.True(t, errors.Is(err, eventstore.ErrNotFound))
}

func TestSnapshotReplayEquivalence(t *testing.T) {
	// Snapshot every 2 events; replay from snapshot must equal full
	// replay.
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	proc := aggregate.NewProcessor(store, counterFactory{}, aggregate.Config{SnapshotEvery: 2})

	ctx := context.Background()
	for _, n := range []int{1, 2, 3, 4, 5} {
		_, _, err := proc.Send(ctx, addCmd{handle: "c", n: n})
		require.NoError(t, err)
	}

	snapshot, events, version, err := store.Load("c")
	require.NoError(t, err)
	require.NotNil(t, snapshot, "snapshot policy must have fired")
	assert.Equal(t, uint64(5), version)

	// State from snapshot + tail events.
	fromSnapshot, err := counterFactory{}.FromSnapshot(snapshot)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, fromSnapshot.Apply(e))
	}

	state, err := proc.Get("c")
	require.NoError(t, err)
	assert.Equal(t, state.(*counter).total, fromSnapshot.(*counter).total)
	assert.Equal(t, 15, fromSnapshot.(*counter).total)
	assert.Equal(t, uint64(5), fromSnapshot.Version())
}

type recordingListener struct {
	got []eventstore.Event
}

func (l *recordingListener) HandleEvents(events []eventstore.Event) {
	l.got = append(l.got, events...)
}

func TestListenersSeeEvents(t *testing.T) {
	proc := newProcessor(t, 100)
	listener := &recordingListener{}
	proc.Subscribe(listener)

	_, _, err := proc.Send(context.Background(), addCmd{handle: "c", n: 3})
	require.NoError(t, err)
	require.Len(t, listener.got, 1)
	assert.Equal(t, "added", listener.got[0].Type)
}
