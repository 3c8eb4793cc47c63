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

package ca_test

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/cert"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
)

type fixture struct {
	proc  *aggregate.Processor
	store *eventstore.Store
	keys  *keystore.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := keystore.New(t.TempDir(), rand.Reader)
	require.NoError(t, err)
	store, err := eventstore.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store: store,
		keys:  keys,
		now:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.proc = aggregate.NewProcessor(store, ca.Factory{
		Keys:   keys,
		Rand:   rand.Reader,
		Timing: ca.DefaultTiming(),
	}, aggregate.Config{
		Clock: func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func repoInfo(handle string) ca.RepoInfo {
	return ca.RepoInfo{
		SIABase:   rpki.RsyncURI("rsync://repo.example.net/repo/" + handle),
		NotifyURI: "https://repo.example.net/rrdp/notification.xml",
	}
}

func initCmd(handle rpki.Handle, ta bool) ca.InitCmd {
	cmd := ca.InitCmd{Repo: repoInfo(handle.String()), TrustAnchor: ta}
	cmd.CA = handle
	return cmd
}

func (f *fixture) initTA(t *testing.T) *ca.CertAuth {
	t.Helper()
	state, _, err := f.proc.Send(context.Background(), initCmd("ta", true))
	require.NoError(t, err)
	return state.(*ca.CertAuth)
}

func TestTABootstrap(t *testing.T) {
	f := newFixture(t)
	ta := f.initTA(t)

	// Exactly one resource class with one active key.
	require.Equal(t, []string{"0"}, ta.ResourceClasses())
	rc := ta.ResourceClass("0")
	require.NotNil(t, rc.CurrentKey)
	assert.Nil(t, rc.PendingKey)
	assert.Nil(t, rc.OldKey)
	assert.Equal(t, ca.KeyStateActive, rc.CurrentKey.State)
	assert.True(t, rc.CurrentKey.Resources.Equal(resources.All()))

	// First manifest and CRL.
	assert.Equal(t, uint64(1), rc.CurrentKey.MFTNumber)
	assert.Equal(t, uint64(1), rc.CurrentKey.CRLNumber)
	assert.Empty(t, rc.ROAs)

	// The key publishes its TA certificate, manifest and CRL.
	require.Len(t, rc.CurrentKey.Objects, 3)
	var files []string
	for uri := range rc.CurrentKey.Objects {
		files = append(files, uri.Filename())
	}
	assert.Contains(t, files, "ta.cer")
	assert.Contains(t, files, "manifest.mft")
	assert.Contains(t, files, "revoked.crl")

	// One unconfirmed publication intent.
	require.Len(t, ta.PendingPublishes(), 1)
}

func TestInitTwiceRejected(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)
	_, _, err := f.proc.Send(context.Background(), initCmd("ta", true))
	require.Error(t, err)
	assert.Equal(t, aggregate.KindAlreadyExists, aggregate.KindOf(err))
}

func (f *fixture) addChild(t *testing.T, parent, child rpki.Handle, res resources.Set) {
	t.Helper()
	idKI, err := f.keys.Create()
	require.NoError(t, err)
	idSigner, err := f.keys.Signer(idKI)
	require.NoError(t, err)
	idCert, err := scrypto.NewIDCert(rand.Reader, idSigner, f.now)
	require.NoError(t, err)

	cmd := ca.AddChildCmd{Child: child, IDCertDER: idCert.Raw, Resources: res}
	cmd.CA = parent
	_, _, err = f.proc.Send(context.Background(), cmd)
	require.NoError(t, err)
}

// childCSR creates a key for a child-side resource class and the CSR the
// child would send.
func (f *fixture) childCSR(t *testing.T, child rpki.Handle) (rpki.KeyID, []byte) {
	t.Helper()
	ki, err := f.keys.Create()
	require.NoError(t, err)
	signer, err := f.keys.Signer(ki)
	require.NoError(t, err)
	dir := rpki.RsyncURI("rsync://repo.example.net/repo/" + child.String() + "/" + ki.String())
	csr, err := cert.NewCSR(rand.Reader, signer, cert.CSRInfo{
		CARepository: dir,
		ManifestURI:  dir.Join("manifest.mft"),
		NotifyURI:    "https://repo.example.net/rrdp/notification.xml",
	})
	require.NoError(t, err)
	return ki, csr
}

func TestChildIssuance(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)
	f.addChild(t, "ta", "c1", resources.MustParse("", "10.0.0.0/16", ""))

	_, csr := f.childCSR(t, "c1")
	issue := ca.IssueCertCmd{
		Child:     "c1",
		Name:      "0",
		CSRDER:    csr,
		Resources: resources.MustParse("", "10.0.0.0/16", ""),
	}
	issue.CA = "ta"
	state, events, err := f.proc.Send(context.Background(), issue)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	taState := state.(*ca.CertAuth)
	child := taState.Child("c1")
	require.NotNil(t, child)
	require.Len(t, child.IssuedCerts, 1)
	for _, issued := range child.IssuedCerts {
		assert.True(t, issued.Resources.Equal(resources.MustParse("", "10.0.0.0/16", "")))
		assert.True(t, strings.HasSuffix(issued.CertURI.String(), ".cer"))
	}
	// The issued certificate is on the key's manifest object set.
	rc := taState.ResourceClass("0")
	assert.Len(t, rc.CurrentKey.Objects, 4)
}

func TestIssuanceResourcesNotSubset(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)
	f.addChild(t, "ta", "c1", resources.MustParse("", "10.0.0.0/16", ""))

	before, err := f.proc.Get("ta")
	require.NoError(t, err)

	_, csr := f.childCSR(t, "c1")
	issue := ca.IssueCertCmd{
		Child:     "c1",
		Name:      "0",
		CSRDER:    csr,
		Resources: resources.MustParse("", "10.0.0.0/7", ""),
	}
	issue.CA = "ta"
	_, _, err = f.proc.Send(context.Background(), issue)
	require.Error(t, err)
	assert.Equal(t, aggregate.KindResourcesNotSubset, aggregate.KindOf(err))

	// No events written.
	after, err := f.proc.Get("ta")
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version())
}

func TestAddChildOverclaimRejected(t *testing.T) {
	f := newFixture(t)
	state, _, err := f.proc.Send(context.Background(), initCmd("member", false))
	require.NoError(t, err)
	// Without any certified class the CA holds nothing.
	assert.Empty(t, state.(*ca.CertAuth).ResourceClasses())

	idKI, err := f.keys.Create()
	require.NoError(t, err)
	idSigner, err := f.keys.Signer(idKI)
	require.NoError(t, err)
	idCert, err := scrypto.NewIDCert(rand.Reader, idSigner, f.now)
	require.NoError(t, err)
	cmd := ca.AddChildCmd{
		Child: "c1", IDCertDER: idCert.Raw,
		Resources: resources.MustParse("", "10.0.0.0/8", ""),
	}
	cmd.CA = "member"
	_, _, err = f.proc.Send(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, aggregate.KindResourcesNotSubset, aggregate.KindOf(err))
}

func TestAddAndRemoveROA(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)

	auth := ca.RouteAuth{ASN: 64496, Prefix: "10.0.0.0/16", MaxLength: 16}
	add := ca.AddROACmd{Auths: []ca.RouteAuth{auth}}
	add.CA = "ta"
	state, events, err := f.proc.Send(context.Background(), add)
	require.NoError(t, err)
	require.Len(t, events, 2, "roa-added and objects-published")

	taState := state.(*ca.CertAuth)
	rc := taState.ResourceClass("0")
	require.Len(t, rc.ROAs, 1)
	assert.Equal(t, uint64(2), rc.CurrentKey.MFTNumber)
	// ta.cer, manifest, crl and the ROA.
	assert.Len(t, rc.CurrentKey.Objects, 4)

	// Adding the same authorization again is a no-op.
	_, events, err = f.proc.Send(context.Background(), add)
	require.NoError(t, err)
	assert.Empty(t, events)

	remove := ca.RemoveROACmd{Auths: []ca.RouteAuth{auth}}
	remove.CA = "ta"
	state, _, err = f.proc.Send(context.Background(), remove)
	require.NoError(t, err)
	rc = state.(*ca.CertAuth).ResourceClass("0")
	assert.Empty(t, rc.ROAs)
	assert.Len(t, rc.CurrentKey.Objects, 3)
	// The one-shot EE certificate is on the CRL backlog now.
	require.Len(t, rc.CurrentKey.Revocations, 1)
}

func TestROAOutsideResourcesRejected(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)
	f.addChild(t, "ta", "c1", resources.MustParse("", "10.0.0.0/16", ""))

	// The TA holds everything, so use a child CA without certificates: a
	// plain CA with no certified class rejects any ROA.
	_, _, err := f.proc.Send(context.Background(), initCmd("plain", false))
	require.NoError(t, err)
	add := ca.AddROACmd{Auths: []ca.RouteAuth{
		{ASN: 64496, Prefix: "192.0.2.0/24", MaxLength: 24},
	}}
	add.CA = "plain"
	_, _, err = f.proc.Send(context.Background(), add)
	require.Error(t, err)
	assert.Equal(t, aggregate.KindResourcesNotSubset, aggregate.KindOf(err))
}

func TestKeyRoll(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)

	auth := ca.RouteAuth{ASN: 64496, Prefix: "10.0.0.0/16", MaxLength: 20}
	add := ca.AddROACmd{Auths: []ca.RouteAuth{auth}}
	add.CA = "ta"
	_, _, err := f.proc.Send(context.Background(), add)
	require.NoError(t, err)

	start := ca.StartKeyRollCmd{Name: "0"}
	start.CA = "ta"
	state, _, err := f.proc.Send(context.Background(), start)
	require.NoError(t, err)
	taState := state.(*ca.CertAuth)
	rc := taState.ResourceClass("0")
	require.NotNil(t, rc.PendingKey)
	pendingKI := rc.PendingKey.KeyID
	require.Len(t, taState.PendingRequests(), 1)

	// Starting another roll while one is pending is rejected.
	_, _, err = f.proc.Send(context.Background(), start)
	require.Error(t, err)
	assert.Equal(t, aggregate.KindKeyState, aggregate.KindOf(err))

	// The TA is its own parent: self-sign a certificate for the pending
	// key and install it.
	pendingSigner, err := f.keys.Signer(pendingKI)
	require.NoError(t, err)
	dir := rpki.RsyncURI("rsync://repo.example.net/repo/ta/" + pendingKI.String())
	newCert, err := cert.NewCA(rand.Reader, cert.CATemplate{
		PublicKey:    pendingSigner.Public(),
		NotBefore:    f.now,
		NotAfter:     f.now.AddDate(100, 0, 0),
		Resources:    resources.All(),
		CARepository: dir,
		ManifestURI:  dir.Join("manifest.mft"),
		NotifyURI:    "https://repo.example.net/rrdp/notification.xml",
	}, nil, pendingSigner)
	require.NoError(t, err)

	received := ca.CertReceivedCmd{
		Parent:  "ta",
		Name:    "0",
		KeyID:   pendingKI,
		CertDER: newCert.Raw,
		CertURI: dir.Join("ta.cer"),
	}
	received.CA = "ta"
	state, _, err = f.proc.Send(context.Background(), received)
	require.NoError(t, err)
	rc = state.(*ca.CertAuth).ResourceClass("0")
	// Still pending (a current key exists), but the pending key now
	// maintains its own manifest and CRL.
	require.NotNil(t, rc.PendingKey)
	assert.Equal(t, uint64(1), rc.PendingKey.MFTNumber)
	assert.NotEmpty(t, rc.PendingKey.Objects)

	// Activation before the staging time is rejected.
	activate := ca.ActivateKeyRollCmd{Name: "0"}
	activate.CA = "ta"
	_, _, err = f.proc.Send(context.Background(), activate)
	require.Error(t, err)
	assert.Equal(t, aggregate.KindKeyState, aggregate.KindOf(err))

	f.advance(25 * time.Hour)
	state, _, err = f.proc.Send(context.Background(), activate)
	require.NoError(t, err)
	rc = state.(*ca.CertAuth).ResourceClass("0")
	require.NotNil(t, rc.CurrentKey)
	assert.Equal(t, pendingKI, rc.CurrentKey.KeyID)
	require.NotNil(t, rc.OldKey)
	assert.Equal(t, ca.KeyStateStaged, rc.OldKey.State)
	assert.Nil(t, rc.PendingKey)
	// The ROA moved to the new key.
	require.Len(t, rc.ROAs, 1)
	for _, published := range rc.ROAs {
		assert.Contains(t, published.URI.String(), pendingKI.String())
	}
	// The old key only publishes its manifest and CRL during the quiet
	// period.
	assert.Len(t, rc.OldKey.Objects, 2)

	// Finishing before the quiet period is rejected.
	finish := ca.FinishKeyRollCmd{Name: "0"}
	finish.CA = "ta"
	_, _, err = f.proc.Send(context.Background(), finish)
	require.Error(t, err)

	f.advance(25 * time.Hour)
	state, _, err = f.proc.Send(context.Background(), finish)
	require.NoError(t, err)
	rc = state.(*ca.CertAuth).ResourceClass("0")
	assert.Nil(t, rc.OldKey)
	require.NotNil(t, rc.CurrentKey)
	assert.Equal(t, pendingKI, rc.CurrentKey.KeyID)
}

func TestRepublishAtHalfLife(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)

	republish := ca.RepublishCmd{}
	republish.CA = "ta"

	// Fresh objects: nothing to do.
	_, events, err := f.proc.Send(context.Background(), republish)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Past the half-life the manifest and CRL are re-signed.
	f.advance(13 * time.Hour)
	state, events, err := f.proc.Send(context.Background(), republish)
	require.NoError(t, err)
	require.Len(t, events, 1)
	rc := state.(*ca.CertAuth).ResourceClass("0")
	assert.Equal(t, uint64(2), rc.CurrentKey.MFTNumber)
	assert.Equal(t, uint64(2), rc.CurrentKey.CRLNumber)
}

func TestConfirmPublication(t *testing.T) {
	f := newFixture(t)
	ta := f.initTA(t)
	intents := ta.PendingPublishes()
	require.Len(t, intents, 1)

	confirm := ca.ConfirmPublishCmd{IntentID: intents[0].IntentID}
	confirm.CA = "ta"
	state, _, err := f.proc.Send(context.Background(), confirm)
	require.NoError(t, err)
	assert.Empty(t, state.(*ca.CertAuth).PendingPublishes())

	// Confirming again is a no-op.
	_, events, err := f.proc.Send(context.Background(), confirm)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayReproducesState(t *testing.T) {
	f := newFixture(t)
	f.initTA(t)
	add := ca.AddROACmd{Auths: []ca.RouteAuth{
		{ASN: 64496, Prefix: "10.0.0.0/16", MaxLength: 16},
		{ASN: 64497, Prefix: "2001:db8::/32", MaxLength: 48},
	}}
	add.CA = "ta"
	_, _, err := f.proc.Send(context.Background(), add)
	require.NoError(t, err)

	want, err := f.proc.Get("ta")
	require.NoError(t, err)

	// Replay all events from scratch through a fresh factory.
	factory := ca.Factory{Keys: f.keys, Rand: rand.Reader, Timing: ca.DefaultTiming()}
	_, events, _, err := f.store.Load("ta")
	require.NoError(t, err)
	replayed := factory.New("ta")
	for _, event := range events {
		require.NoError(t, replayed.Apply(event))
	}
	assert.Equal(t, want.Version(), replayed.Version())

	wantSnap, err := want.MarshalSnapshot()
	require.NoError(t, err)
	gotSnap, err := replayed.MarshalSnapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(wantSnap), string(gotSnap))
}
