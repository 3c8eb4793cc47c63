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

package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/audit"
	"github.com/krillpki/krill/private/eventstore"
)

type fakeCmd struct {
	handle rpki.Handle
	kind   string
}

func (c fakeCmd) Handle() rpki.Handle { return c.handle }
func (c fakeCmd) Kind() string        { return c.kind }
func (c fakeCmd) Summary() string     { return "summary of " + c.kind }

func TestRecordAndList(t *testing.T) {
	now := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	store, err := audit.New(filepath.Join(t.TempDir(), "audit.db"),
		func() time.Time { return now })
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Record(ctx, fakeCmd{handle: "ta", kind: "init"}, 1,
		[]eventstore.Event{{Handle: "ta", Version: 1, Type: "x"}}))
	require.NoError(t, store.Record(ctx, fakeCmd{handle: "ta", kind: "add-roa"}, 2, nil))
	require.NoError(t, store.Record(ctx, fakeCmd{handle: "other", kind: "init"}, 1, nil))

	records, err := store.List(ctx, "ta", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Newest first.
	assert.Equal(t, "add-roa", records[0].Kind)
	assert.Equal(t, "init", records[1].Kind)
	assert.Equal(t, uint64(1), records[1].Version)
	assert.Equal(t, 1, records[1].Events)
	assert.True(t, records[0].RecordedAt.Equal(now))

	empty, err := store.List(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.New(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(),
		fakeCmd{handle: "ta", kind: "init"}, 1, nil))
	require.NoError(t, store.Close())

	reopened, err := audit.New(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	records, err := reopened.List(context.Background(), "ta", 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
