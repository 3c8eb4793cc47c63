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

package scheduler_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/log/testlog"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/pubc"
	"github.com/krillpki/krill/private/pubd"
	"github.com/krillpki/krill/private/scheduler"
	"github.com/krillpki/krill/private/updown"
)

type fixture struct {
	cas   *aggregate.Processor
	repo  *aggregate.Processor
	keys  *keystore.Store
	sched *scheduler.Scheduler
	now   time.Time
	t     *testing.T
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)
	caStore, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	repoStore, err := eventstore.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		keys: keys,
		now:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		t:    t,
	}
	clock := func() time.Time { return f.now }
	f.cas = aggregate.NewProcessor(caStore, ca.Factory{
		Keys: keys, Rand: rand.Reader, Timing: ca.DefaultTiming(),
	}, aggregate.Config{Clock: clock})
	f.repo = aggregate.NewProcessor(repoStore, pubd.Factory{Keys: keys, Rand: rand.Reader},
		aggregate.Config{Clock: clock})

	var initRepo pubd.InitCmd
	initRepo.Repo = pubd.DefaultHandle
	_, _, err = f.repo.Send(context.Background(), initRepo)
	require.NoError(t, err)

	client := &pubc.Local{Repo: f.repo, Handle: pubd.DefaultHandle}
	requester := &updown.Requester{
		CAs: f.cas, Keys: keys, Rand: rand.Reader, Clock: clock,
	}
	f.sched = scheduler.New(f.cas, keys, client, requester, clock,
		scheduler.DefaultIntervals(), testlog.NewLogger(t))
	f.cas.Subscribe(f.sched)
	return f
}

func (f *fixture) addPublisher(t *testing.T, handle rpki.Handle) {
	t.Helper()
	idKI, err := f.keys.Create()
	require.NoError(t, err)
	idSigner, err := f.keys.Signer(idKI)
	require.NoError(t, err)
	idCert, err := scrypto.NewIDCert(rand.Reader, idSigner, f.now)
	require.NoError(t, err)
	cmd := pubd.AddPublisherCmd{
		Publisher: handle,
		IDCertDER: idCert.Raw,
		BaseURI:   rpki.RsyncURI("rsync://repo.example.net/repo/" + handle.String()),
	}
	cmd.Repo = pubd.DefaultHandle
	_, _, err = f.repo.Send(context.Background(), cmd)
	require.NoError(t, err)
}

func (f *fixture) repoState(t *testing.T) *pubd.Repository {
	t.Helper()
	state, err := f.repo.Get(pubd.DefaultHandle)
	require.NoError(t, err)
	return state.(*pubd.Repository)
}

func (f *fixture) initTA(t *testing.T) {
	t.Helper()
	cmd := ca.InitCmd{
		Repo: ca.RepoInfo{
			SIABase:   "rsync://repo.example.net/repo/ta",
			NotifyURI: "https://repo.example.net/rrdp/notification.xml",
		},
		TrustAnchor: true,
	}
	cmd.CA = "ta"
	_, _, err := f.cas.Send(context.Background(), cmd)
	require.NoError(t, err)
}

func TestPublishIntentConfirmed(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "ta")
	f.initTA(t)

	// The init produced a publication intent that the drain pushes to
	// the repository.
	f.sched.Drain(context.Background())

	repo := f.repoState(t)
	assert.Equal(t, uint64(2), repo.Serial())
	assert.Len(t, repo.ListObjects("ta"), 3)

	state, err := f.cas.Get("ta")
	require.NoError(t, err)
	assert.Empty(t, state.(*ca.CertAuth).PendingPublishes())
}

func TestCrashRecoveryPublishesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addPublisher(t, "ta")
	f.initTA(t)
	// Crash before the drain: the queue is lost, the intent survives in
	// the CA's event stream.

	client := &pubc.Local{Repo: f.repo, Handle: pubd.DefaultHandle}
	requester := &updown.Requester{
		CAs: f.cas, Keys: f.keys, Rand: rand.Reader,
		Clock: func() time.Time { return f.now },
	}
	restarted := scheduler.New(f.cas, f.keys, client, requester,
		func() time.Time { return f.now },
		scheduler.DefaultIntervals(), testlog.NewLogger(t))
	require.NoError(t, restarted.Recover(context.Background()))
	restarted.Drain(context.Background())

	repo := f.repoState(t)
	assert.Equal(t, uint64(2), repo.Serial())

	// Recovering and draining again must not double-publish: the intent
	// is confirmed, the idempotent intent id guards the repository.
	require.NoError(t, restarted.Recover(context.Background()))
	restarted.Drain(context.Background())
	assert.Equal(t, uint64(2), f.repoState(t).Serial())
}

func TestFailedPublishRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	// No publisher registered: the push fails and stays queued.
	f.initTA(t)
	f.sched.Drain(context.Background())

	_, failed := f.sched.Failure("ta")
	assert.True(t, failed)

	state, err := f.cas.Get("ta")
	require.NoError(t, err)
	require.Len(t, state.(*ca.CertAuth).PendingPublishes(), 1)

	// Immediately draining again does nothing: the retry is delayed.
	f.sched.Drain(context.Background())
	state, err = f.cas.Get("ta")
	require.NoError(t, err)
	require.Len(t, state.(*ca.CertAuth).PendingPublishes(), 1)

	// Register the publisher and advance past the backoff delay.
	f.addPublisher(t, "ta")
	f.now = f.now.Add(time.Minute)
	f.sched.Drain(context.Background())

	state, err = f.cas.Get("ta")
	require.NoError(t, err)
	assert.Empty(t, state.(*ca.CertAuth).PendingPublishes())
	_, failed = f.sched.Failure("ta")
	assert.False(t, failed)
}
