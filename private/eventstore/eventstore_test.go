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

package eventstore_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/private/eventstore"
)

func event(version uint64, payload string) eventstore.Event {
	return eventstore.Event{
		Handle:  "ta",
		Version: version,
		Type:    "test",
		Data:    json.RawMessage(fmt.Sprintf("%q", payload)),
	}
}

func TestAppendLoad(t *testing.T) {
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	_, _, _, err = store.Load("ta")
	assert.True(t, errors.Is(err, eventstore.ErrNotFound))

	version, err := store.Append("ta", 0, []eventstore.Event{
		event(1, "one"), event(2, "two"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	snapshot, events, version, err := store.Load("ta")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	assert.Equal(t, uint64(2), version)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, uint64(2), events[1].Version)
}

func TestAppendConflict(t *testing.T) {
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Append("ta", 0, []eventstore.Event{event(1, "one")})
	require.NoError(t, err)

	// Stale expected version: nothing written.
	_, err = store.Append("ta", 0, []eventstore.Event{event(1, "dup")})
	assert.True(t, errors.Is(err, eventstore.ErrConflict))

	_, events, version, err := store.Load("ta")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	require.Len(t, events, 1)
	assert.JSONEq(t, `"one"`, string(events[0].Data))
}

func TestSnapshotSkipsReplayedEvents(t *testing.T) {
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Append("ta", 0, []eventstore.Event{
		event(1, "one"), event(2, "two"), event(3, "three"),
	})
	require.NoError(t, err)
	require.NoError(t, store.WriteSnapshot("ta", 2, json.RawMessage(`{"state":"v2"}`)))

	snapshot, events, version, err := store.Load("ta")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(2), snapshot.Version)
	assert.Equal(t, uint64(3), version)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Version)
}

func TestNonContiguousAppendRejected(t *testing.T) {
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Append("ta", 0, []eventstore.Event{event(2, "skip")})
	assert.Error(t, err)
}

func TestListAndExists(t *testing.T) {
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	ok, err := store.Exists("ta")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Append("zeta", 0, []eventstore.Event{{
		Handle: "zeta", Version: 1, Type: "test", Data: json.RawMessage(`{}`),
	}})
	require.NoError(t, err)
	_, err = store.Append("alpha", 0, []eventstore.Event{{
		Handle: "alpha", Version: 1, Type: "test", Data: json.RawMessage(`{}`),
	}})
	require.NoError(t, err)

	handles, err := store.List()
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "alpha", handles[0].String())
	assert.Equal(t, "zeta", handles[1].String())

	ok, err = store.Exists("zeta")
	require.NoError(t, err)
	assert.True(t, ok)
}
