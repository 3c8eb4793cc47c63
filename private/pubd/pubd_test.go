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

package pubd_test

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/log/testlog"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/rrdp"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/pubd"
)

type fixture struct {
	proc *aggregate.Processor
	keys *keystore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	proc := aggregate.NewProcessor(store, pubd.Factory{Keys: keys, Rand: rand.Reader},
		aggregate.Config{
			Clock: func() time.Time {
				return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			},
		})
	_, _, err = proc.Send(context.Background(), initCmd())
	require.NoError(t, err)
	return &fixture{proc: proc, keys: keys}
}

func initCmd() pubd.InitCmd {
	var cmd pubd.InitCmd
	cmd.Repo = pubd.DefaultHandle
	return cmd
}

func (f *fixture) addPublisher(t *testing.T, handle rpki.Handle, base rpki.RsyncURI) {
	t.Helper()
	idKI, err := f.keys.Create()
	require.NoError(t, err)
	idSigner, err := f.keys.Signer(idKI)
	require.NoError(t, err)
	idCert, err := scrypto.NewIDCert(rand.Reader,
		idSigner, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	cmd := pubd.AddPublisherCmd{Publisher: handle, IDCertDER: idCert.Raw, BaseURI: base}
	cmd.Repo = pubd.DefaultHandle
	_, _, err = f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)
}

func (f *fixture) repo(t *testing.T) *pubd.Repository {
	t.Helper()
	state, err := f.proc.Get(pubd.DefaultHandle)
	require.NoError(t, err)
	return state.(*pubd.Repository)
}

func deltaCmd(publisher rpki.Handle, intent string, changes ...pubd.Change) pubd.DeltaCmd {
	cmd := pubd.DeltaCmd{Publisher: publisher, IntentID: intent, Changes: changes}
	cmd.Repo = pubd.DefaultHandle
	return cmd
}

func TestInitSession(t *testing.T) {
	f := newFixture(t)
	repo := f.repo(t)
	assert.NotEmpty(t, repo.SessionID())
	assert.Equal(t, uint64(1), repo.Serial())
}

func TestPublishUpdateWithdraw(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")

	uri := rpki.RsyncURI("rsync://repo.example.net/repo/alice/obj.roa")
	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-1",
		pubd.Change{Op: pubd.OpPublish, URI: uri, Bytes: []byte("v1")},
	))
	require.NoError(t, err)
	repo := f.repo(t)
	assert.Equal(t, uint64(2), repo.Serial())
	assert.Equal(t, scrypto.DigestHex([]byte("v1")), repo.ListObjects("alice")[uri])

	_, _, err = f.proc.Send(context.Background(), deltaCmd("alice", "i-2",
		pubd.Change{Op: pubd.OpUpdate, URI: uri,
			OldHash: scrypto.DigestHex([]byte("v1")), Bytes: []byte("v2")},
	))
	require.NoError(t, err)

	_, _, err = f.proc.Send(context.Background(), deltaCmd("alice", "i-3",
		pubd.Change{Op: pubd.OpWithdraw, URI: uri, OldHash: scrypto.DigestHex([]byte("v2"))},
	))
	require.NoError(t, err)
	repo = f.repo(t)
	assert.Empty(t, repo.ListObjects("alice"))
	assert.Equal(t, uint64(4), repo.Serial())
}

func TestWithdrawHashMismatchAtomic(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")

	uri := rpki.RsyncURI("rsync://repo.example.net/repo/alice/o.roa")
	other := rpki.RsyncURI("rsync://repo.example.net/repo/alice/p.roa")
	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-1",
		pubd.Change{Op: pubd.OpPublish, URI: uri, Bytes: []byte("content")},
	))
	require.NoError(t, err)
	serialBefore := f.repo(t).Serial()

	// A delta with one bad hash fails as a whole: the valid publish in
	// the same delta is not applied and the serial does not move.
	_, _, err = f.proc.Send(context.Background(), deltaCmd("alice", "i-2",
		pubd.Change{Op: pubd.OpPublish, URI: other, Bytes: []byte("new")},
		pubd.Change{Op: pubd.OpWithdraw, URI: uri, OldHash: scrypto.DigestHex([]byte("wrong"))},
	))
	require.Error(t, err)
	assert.Equal(t, aggregate.KindHashMismatch, aggregate.KindOf(err))

	repo := f.repo(t)
	assert.Equal(t, serialBefore, repo.Serial())
	assert.Len(t, repo.ListObjects("alice"), 1)
	assert.NotContains(t, repo.ListObjects("alice"), other)
}

func TestPathAuthorization(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")

	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-1",
		pubd.Change{Op: pubd.OpPublish,
			URI:   "rsync://repo.example.net/repo/bob/obj.roa",
			Bytes: []byte("x")},
	))
	require.Error(t, err)
	assert.Equal(t, aggregate.KindURIOutsideBase, aggregate.KindOf(err))
}

func TestIntentIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")

	cmd := deltaCmd("alice", "intent-1",
		pubd.Change{Op: pubd.OpPublish,
			URI:   "rsync://repo.example.net/repo/alice/obj.roa",
			Bytes: []byte("x")},
	)
	_, _, err := f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)
	serial := f.repo(t).Serial()

	// Replaying the same intent does not double-publish.
	_, events, err := f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, serial, f.repo(t).Serial())
}

func TestDeltaRetention(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")

	uri := rpki.RsyncURI("rsync://repo.example.net/repo/alice/obj.roa")
	content := []byte("0123456789abcdef")
	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-0",
		pubd.Change{Op: pubd.OpPublish, URI: uri, Bytes: content},
	))
	require.NoError(t, err)

	// Repeated full-size updates: older deltas must fall off once their
	// combined size exceeds the snapshot.
	previous := content
	for i := 0; i < 5; i++ {
		next := append([]byte("update-"), byte('0'+i))
		next = append(next, content...)
		cmd := deltaCmd("alice", "", pubd.Change{
			Op: pubd.OpUpdate, URI: uri,
			OldHash: scrypto.DigestHex(previous), Bytes: next,
		})
		_, _, err := f.proc.Send(context.Background(), cmd)
		require.NoError(t, err)
		previous = next
	}
	repo := f.repo(t)
	deltas := repo.Deltas()
	require.NotEmpty(t, deltas)
	assert.Less(t, len(deltas), 6, "old deltas must be dropped")
	// The newest delta is always retained and matches the serial.
	assert.Equal(t, repo.Serial(), deltas[len(deltas)-1].Serial)
}

func TestRemovePublisherWithdraws(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")
	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-1",
		pubd.Change{Op: pubd.OpPublish,
			URI:   "rsync://repo.example.net/repo/alice/obj.roa",
			Bytes: []byte("x")},
	))
	require.NoError(t, err)
	serial := f.repo(t).Serial()

	cmd := pubd.RemovePublisherCmd{Publisher: "alice"}
	cmd.Repo = pubd.DefaultHandle
	_, _, err = f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)

	repo := f.repo(t)
	assert.Nil(t, repo.PublisherInfo("alice"))
	assert.Equal(t, serial+1, repo.Serial())
	assert.Empty(t, repo.AllObjects())
}

func TestWriterProducesConsistentTree(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "alice", "rsync://repo.example.net/repo/alice")
	_, _, err := f.proc.Send(context.Background(), deltaCmd("alice", "i-1",
		pubd.Change{Op: pubd.OpPublish,
			URI:   "rsync://repo.example.net/repo/alice/obj.roa",
			Bytes: []byte("roa-bytes")},
	))
	require.NoError(t, err)
	repo := f.repo(t)

	rrdpDir := t.TempDir()
	rsyncDir := t.TempDir()
	writer := &pubd.Writer{
		RRDPDir:  rrdpDir,
		RsyncDir: rsyncDir,
		RRDPBase: "https://repo.example.net/rrdp",
		Logger:   testlog.NewLogger(t),
	}
	require.NoError(t, writer.CleanTemp())
	require.NoError(t, writer.Sync(repo))

	raw, err := os.ReadFile(filepath.Join(rrdpDir, "notification.xml"))
	require.NoError(t, err)
	notification, err := rrdp.DecodeNotification(raw)
	require.NoError(t, err)
	assert.Equal(t, repo.SessionID(), notification.SessionID)
	assert.Equal(t, repo.Serial(), notification.Serial)
	require.Len(t, notification.Deltas, 1)

	// Snapshot document exists and parses.
	snapPath := filepath.Join(rrdpDir, repo.SessionID(),
		"2", "snapshot.xml")
	rawSnap, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	snapshot, err := rrdp.DecodeSnapshot(rawSnap)
	require.NoError(t, err)
	require.Len(t, snapshot.Publish, 1)
	assert.Equal(t, "rsync://repo.example.net/repo/alice/obj.roa", snapshot.Publish[0].URI)

	// rsync tree mirrors the object.
	objPath := filepath.Join(rsyncDir, "repo", "alice", "obj.roa")
	content, err := os.ReadFile(objPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("roa-bytes"), content)

	// Withdraw and re-sync: the file disappears.
	_, _, err = f.proc.Send(context.Background(), deltaCmd("alice", "i-2",
		pubd.Change{Op: pubd.OpWithdraw,
			URI:     "rsync://repo.example.net/repo/alice/obj.roa",
			OldHash: scrypto.DigestHex([]byte("roa-bytes"))},
	))
	require.NoError(t, err)
	require.NoError(t, writer.Sync(f.repo(t)))
	_, err = os.Stat(objPath)
	assert.True(t, os.IsNotExist(err))
}
