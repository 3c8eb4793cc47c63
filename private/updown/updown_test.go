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

package updown_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/updown"
)

// localPoster short-circuits the HTTP leg: requests go straight to the
// responder for the fixed parent.
type localPoster struct {
	responder *updown.Responder
	parent    rpki.Handle
}

func (p *localPoster) Post(ctx context.Context, _ rpki.HTTPSURI, _ string,
	body []byte) ([]byte, error) {

	return p.responder.Handle(ctx, p.parent, body)
}

type fixture struct {
	proc      *aggregate.Processor
	keys      *keystore.Store
	requester *updown.Requester
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		keys: keys,
		now:  time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.proc = aggregate.NewProcessor(store, ca.Factory{
		Keys: keys, Rand: rand.Reader, Timing: ca.DefaultTiming(),
	}, aggregate.Config{Clock: clock})

	responder := &updown.Responder{
		CAs: f.proc, Keys: keys, Rand: rand.Reader, Clock: clock,
	}
	f.requester = &updown.Requester{
		CAs: f.proc, Keys: keys, Rand: rand.Reader, Clock: clock,
		Post: &localPoster{responder: responder, parent: "ta"},
	}
	return f
}

func (f *fixture) initCA(t *testing.T, handle rpki.Handle, ta bool) *ca.CertAuth {
	t.Helper()
	cmd := ca.InitCmd{
		Repo: ca.RepoInfo{
			SIABase:   rpki.RsyncURI("rsync://repo.example.net/repo/" + handle.String()),
			NotifyURI: "https://repo.example.net/rrdp/notification.xml",
		},
		TrustAnchor: ta,
	}
	cmd.CA = handle
	state, _, err := f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)
	return state.(*ca.CertAuth)
}

func TestChildReceivesCertificateOverUpDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taCA := f.initCA(t, "ta", true)
	childCA := f.initCA(t, "c1", false)

	// Register the child at the parent with its exchange identity.
	childID, err := childCA.IDCert()
	require.NoError(t, err)
	addChild := ca.AddChildCmd{
		Child:     "c1",
		IDCertDER: childID.Raw,
		Resources: resources.MustParse("", "10.0.0.0/16", ""),
	}
	addChild.CA = "ta"
	_, _, err = f.proc.Send(ctx, addChild)
	require.NoError(t, err)

	// Register the parent at the child with the parent's identity.
	taID, err := taCA.IDCert()
	require.NoError(t, err)
	addParent := ca.AddParentCmd{
		Parent: "ta",
		Info: ca.ParentInfo{
			ContactURI:    "https://parent.example.net/rfc6492/ta",
			ParentHandle:  "ta",
			MyChildHandle: "c1",
			IDCertDER:     taID.Raw,
		},
	}
	addParent.CA = "c1"
	_, _, err = f.proc.Send(ctx, addParent)
	require.NoError(t, err)

	// One full sync: list, entitlement update, certificate request and
	// installation.
	require.NoError(t, f.requester.SyncParent(ctx, "c1", "ta"))

	state, err := f.proc.Get("c1")
	require.NoError(t, err)
	child := state.(*ca.CertAuth)
	require.Equal(t, []string{"0"}, child.ResourceClasses())
	rc := child.ResourceClass("0")
	require.NotNil(t, rc.CurrentKey)
	assert.Equal(t, ca.KeyStateActive, rc.CurrentKey.State)
	assert.True(t, rc.CurrentKey.Resources.Equal(resources.MustParse("", "10.0.0.0/16", "")),
		"child must hold exactly its authorized resources, got %s", rc.CurrentKey.Resources)
	assert.Empty(t, child.PendingRequests())

	// The child's key now maintains its first manifest and CRL.
	assert.Equal(t, uint64(1), rc.CurrentKey.MFTNumber)
	assert.Equal(t, uint64(1), rc.CurrentKey.CRLNumber)

	// The issued certificate is recorded at the parent as well.
	state, err = f.proc.Get("ta")
	require.NoError(t, err)
	parent := state.(*ca.CertAuth)
	require.Len(t, parent.Child("c1").IssuedCerts, 1)
}

func TestResponderRejectsForeignSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.initCA(t, "ta", true)
	childCA := f.initCA(t, "c1", false)
	childID, err := childCA.IDCert()
	require.NoError(t, err)
	addChild := ca.AddChildCmd{
		Child:     "c1",
		IDCertDER: childID.Raw,
		Resources: resources.MustParse("", "10.0.0.0/16", ""),
	}
	addChild.CA = "ta"
	_, _, err = f.proc.Send(ctx, addChild)
	require.NoError(t, err)

	// A message claiming to be c1 but signed with a different identity
	// must be rejected.
	mallory := f.initCA(t, "mallory", false)
	malloryID, err := mallory.IDCert()
	require.NoError(t, err)
	addParent := ca.AddParentCmd{
		Parent: "ta",
		Info: ca.ParentInfo{
			ContactURI:    "https://parent.example.net/rfc6492/ta",
			ParentHandle:  "ta",
			MyChildHandle: "c1",
			IDCertDER:     malloryID.Raw,
		},
	}
	addParent.CA = "mallory"
	_, _, err = f.proc.Send(ctx, addParent)
	require.NoError(t, err)

	malloryRequester := &updown.Requester{
		CAs: f.proc, Keys: f.keys, Rand: rand.Reader,
		Clock: func() time.Time { return f.now },
		Post: &localPoster{
			responder: &updown.Responder{
				CAs: f.proc, Keys: f.keys, Rand: rand.Reader,
				Clock: func() time.Time { return f.now },
			},
			parent: "ta",
		},
	}
	err = malloryRequester.SyncParent(ctx, "mallory", "ta")
	require.Error(t, err)
}

func TestStaleSigningTimeRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	taCA := f.initCA(t, "ta", true)
	childCA := f.initCA(t, "c1", false)
	childID, err := childCA.IDCert()
	require.NoError(t, err)
	addChild := ca.AddChildCmd{
		Child:     "c1",
		IDCertDER: childID.Raw,
		Resources: resources.MustParse("", "10.0.0.0/16", ""),
	}
	addChild.CA = "ta"
	_, _, err = f.proc.Send(ctx, addChild)
	require.NoError(t, err)
	taID, err := taCA.IDCert()
	require.NoError(t, err)
	addParent := ca.AddParentCmd{
		Parent: "ta",
		Info: ca.ParentInfo{
			ContactURI:    "https://parent.example.net/rfc6492/ta",
			ParentHandle:  "ta",
			MyChildHandle: "c1",
			IDCertDER:     taID.Raw,
		},
	}
	addParent.CA = "c1"
	_, _, err = f.proc.Send(ctx, addParent)
	require.NoError(t, err)

	// Freeze the requester's clock two hours behind the responder's.
	staleClock := func() time.Time { return f.now.Add(-2 * time.Hour) }
	stale := &updown.Requester{
		CAs: f.proc, Keys: f.keys, Rand: rand.Reader, Clock: staleClock,
		Post: &localPoster{
			responder: &updown.Responder{
				CAs: f.proc, Keys: f.keys, Rand: rand.Reader,
				Clock: func() time.Time { return f.now },
			},
			parent: "ta",
		},
	}
	err = stale.SyncParent(ctx, "c1", "ta")
	require.Error(t, err)
}
