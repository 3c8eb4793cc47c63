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

package ca

import (
	"crypto/x509"
	"encoding/json"
	"io"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
)

// Timing bundles the validity and staging durations of the CA.
type Timing struct {
	// ObjectValidity is the manifest and CRL shelf life.
	ObjectValidity time.Duration
	// Skew backdates thisUpdate/notBefore against clock skew.
	Skew time.Duration
	// IssuedCertValidity is the validity of certificates issued to
	// children.
	IssuedCertValidity time.Duration
	// KeyRollStage is the minimum time a certified pending key stays
	// staged before activation.
	KeyRollStage time.Duration
	// KeyRollQuiet is the minimum time a replaced key stays published
	// before final revocation.
	KeyRollQuiet time.Duration
}

// DefaultTiming returns the default durations: 24h objects, 5m skew, 1y
// issued certificates, 24h staging and quiet periods.
func DefaultTiming() Timing {
	return Timing{
		ObjectValidity:     24 * time.Hour,
		Skew:               5 * time.Minute,
		IssuedCertValidity: 365 * 24 * time.Hour,
		KeyRollStage:       24 * time.Hour,
		KeyRollQuiet:       24 * time.Hour,
	}
}

// CertAuth is the CA aggregate. All signing happens during command
// processing; events carry the signed results, so replay never signs.
type CertAuth struct {
	state  caState
	signer *objectSigner
}

// Factory creates CA aggregates bound to the key store and entropy
// source.
type Factory struct {
	Keys   *keystore.Store
	Rand   io.Reader
	Timing Timing
}

// Kind implements aggregate.Factory.
func (f Factory) Kind() string { return "ca" }

// New implements aggregate.Factory.
func (f Factory) New(handle rpki.Handle) aggregate.Aggregate {
	return &CertAuth{
		state:  caState{Handle: handle},
		signer: &objectSigner{keys: f.Keys, rnd: f.Rand, timing: f.Timing},
	}
}

// FromSnapshot implements aggregate.Factory.
func (f Factory) FromSnapshot(snapshot *eventstore.Snapshot) (aggregate.Aggregate, error) {
	c := f.New(snapshot.Handle).(*CertAuth)
	if err := json.Unmarshal(snapshot.Data, &c.state); err != nil {
		return nil, serrors.Wrap("decoding CA snapshot", err, "handle", snapshot.Handle)
	}
	return c, nil
}

// Handle implements aggregate.Aggregate.
func (c *CertAuth) Handle() rpki.Handle { return c.state.Handle }

// Version implements aggregate.Aggregate.
func (c *CertAuth) Version() uint64 { return c.state.Version }

// MarshalSnapshot implements aggregate.Aggregate.
func (c *CertAuth) MarshalSnapshot() (json.RawMessage, error) {
	return c.state.marshal()
}

// IDCert returns the exchange identity certificate.
func (c *CertAuth) IDCert() (*x509.Certificate, error) {
	if len(c.state.IDCertDER) == 0 {
		return nil, serrors.New("CA has no identity", "handle", c.state.Handle)
	}
	return x509.ParseCertificate(c.state.IDCertDER)
}

// IDKey returns the key identifier of the exchange identity.
func (c *CertAuth) IDKey() rpki.KeyID { return c.state.IDKey }

// Repo returns the CA's repository info.
func (c *CertAuth) Repo() RepoInfo { return c.state.Repo }

// Parents returns the registered parents.
func (c *CertAuth) Parents() map[rpki.Handle]*ParentInfo {
	out := make(map[rpki.Handle]*ParentInfo, len(c.state.Parents))
	for h, p := range c.state.Parents {
		cp := *p
		out[h] = &cp
	}
	return out
}

// Child returns a registered child, or nil.
func (c *CertAuth) Child(handle rpki.Handle) *ChildInfo {
	return c.state.Children[handle]
}

// ChildHandles returns the registered child handles, in no particular
// order.
func (c *CertAuth) ChildHandles() []rpki.Handle {
	out := make([]rpki.Handle, 0, len(c.state.Children))
	for h := range c.state.Children {
		out = append(out, h)
	}
	return out
}

// ResourceClass returns a class by name, or nil.
func (c *CertAuth) ResourceClass(name string) *ResourceClass {
	return c.state.ResourceClasses[name]
}

// ResourceClasses returns the class names, in no particular order.
func (c *CertAuth) ResourceClasses() []string {
	names := make([]string, 0, len(c.state.ResourceClasses))
	for name := range c.state.ResourceClasses {
		names = append(names, name)
	}
	return names
}

// PendingRequests returns the outstanding certificate requests.
func (c *CertAuth) PendingRequests() []*CertRequest {
	out := make([]*CertRequest, 0, len(c.state.PendingRequests))
	for _, r := range c.state.PendingRequests {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// PendingPublishes returns the unconfirmed publication intents.
func (c *CertAuth) PendingPublishes() []*PublishIntent {
	out := make([]*PublishIntent, 0, len(c.state.PendingPublish))
	for _, p := range c.state.PendingPublish {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// RouteAuths returns all authorizations across classes.
func (c *CertAuth) RouteAuths() []RouteAuth {
	var out []RouteAuth
	for _, rc := range c.state.ResourceClasses {
		for _, r := range rc.ROAs {
			out = append(out, r.Auth)
		}
	}
	return out
}

// Apply implements aggregate.Aggregate. It is total on events this
// aggregate emits.
func (c *CertAuth) Apply(event eventstore.Event) error {
	switch event.Type {
	case EvtInitialized:
		var e InitializedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		c.state.IDKey = e.IDKey
		c.state.IDCertDER = e.IDCertDER
		c.state.Repo = e.Repo

	case EvtParentAdded:
		var e ParentAddedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if c.state.Parents == nil {
			c.state.Parents = make(map[rpki.Handle]*ParentInfo)
		}
		info := e.Info
		c.state.Parents[e.Parent] = &info

	case EvtClassAdded:
		var e ClassAddedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if c.state.ResourceClasses == nil {
			c.state.ResourceClasses = make(map[string]*ResourceClass)
		}
		c.state.ResourceClasses[e.Name] = &ResourceClass{
			Name:         e.Name,
			ParentHandle: e.Parent,
			Entitlements: e.Entitlements,
		}

	case EvtClassRemoved:
		var e ClassRemovedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		delete(c.state.ResourceClasses, e.Name)

	case EvtEntitlementsSet:
		var e EntitlementsSetEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if rc := c.state.ResourceClasses[e.Name]; rc != nil {
			rc.Entitlements = e.Entitlements
		}

	case EvtCertRequested:
		var e CertRequestedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if c.state.PendingRequests == nil {
			c.state.PendingRequests = make(map[string]*CertRequest)
		}
		parent := rpki.Handle("")
		if rc := c.state.ResourceClasses[e.Name]; rc != nil {
			parent = rc.ParentHandle
		}
		c.state.PendingRequests[e.KeyID.String()] = &CertRequest{
			Parent: parent,
			Name:   e.Name,
			KeyID:  e.KeyID,
			CSRDER: e.CSRDER,
		}

	case EvtCertReceived:
		var e CertReceivedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		delete(c.state.PendingRequests, e.KeyID.String())
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil {
			return serrors.New("certificate for unknown class", "class", e.Name)
		}
		key := rc.KeyByID(e.KeyID)
		if key == nil {
			return serrors.New("certificate for unknown key", "key", e.KeyID)
		}
		key.CertDER = e.CertDER
		key.CertURI = e.CertURI
		key.Resources = e.Resources
		if e.Promoted && rc.PendingKey != nil && rc.PendingKey.KeyID == e.KeyID {
			rc.CurrentKey = rc.PendingKey
			rc.CurrentKey.State = KeyStateActive
			rc.PendingKey = nil
		}

	case EvtChildAdded:
		var e ChildAddedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if c.state.Children == nil {
			c.state.Children = make(map[rpki.Handle]*ChildInfo)
		}
		c.state.Children[e.Child] = &ChildInfo{
			IDCertDER: e.IDCertDER,
			Resources: e.Resources,
		}

	case EvtChildUpdated:
		var e ChildUpdatedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		child := c.state.Children[e.Child]
		if child == nil {
			return serrors.New("update for unknown child", "child", e.Child)
		}
		if len(e.IDCertDER) > 0 {
			child.IDCertDER = e.IDCertDER
		}
		child.Resources = e.Resources

	case EvtChildCertIssued:
		var e ChildCertIssuedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		child := c.state.Children[e.Child]
		if child == nil {
			return serrors.New("certificate for unknown child", "child", e.Child)
		}
		if child.IssuedCerts == nil {
			child.IssuedCerts = make(map[string]*IssuedCert)
		}
		issued := e.Cert
		child.IssuedCerts[issued.KeyID.String()] = &issued

	case EvtChildCertRevoked:
		var e ChildCertRevokedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		child := c.state.Children[e.Child]
		if child == nil {
			return serrors.New("revocation for unknown child", "child", e.Child)
		}
		issued := child.IssuedCerts[e.KeyID.String()]
		delete(child.IssuedCerts, e.KeyID.String())
		rc := c.state.ResourceClasses[e.Name]
		if rc != nil && rc.CurrentKey != nil && issued != nil {
			rc.CurrentKey.Revocations = append(rc.CurrentKey.Revocations, Revocation{
				Serial:    e.Serial,
				RevokedAt: e.At,
				NotAfter:  issued.NotAfter,
			})
		}

	case EvtROAAdded:
		var e ROAAddedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil {
			return serrors.New("ROA for unknown class", "class", e.Name)
		}
		if rc.ROAs == nil {
			rc.ROAs = make(map[string]*PublishedROA)
		}
		published := e.ROA
		rc.ROAs[published.Auth.Key()] = &published

	case EvtROARemoved:
		var e ROARemovedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil {
			return serrors.New("ROA removal for unknown class", "class", e.Name)
		}
		published := rc.ROAs[e.Auth.Key()]
		delete(rc.ROAs, e.Auth.Key())
		if published != nil && rc.CurrentKey != nil {
			rc.CurrentKey.Revocations = append(rc.CurrentKey.Revocations, Revocation{
				Serial:    published.EESerial,
				RevokedAt: e.At,
				NotAfter:  published.EENotAfter,
			})
		}

	case EvtKeyRollStarted:
		var e KeyRollStartedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil {
			return serrors.New("key roll for unknown class", "class", e.Name)
		}
		rc.PendingKey = &CertifiedKey{
			KeyID:      e.KeyID,
			State:      KeyStatePending,
			StateSince: e.At,
		}

	case EvtKeyRollActivated:
		var e KeyRollActivatedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil || rc.PendingKey == nil {
			return serrors.New("activation without pending key", "class", e.Name)
		}
		old := rc.CurrentKey
		rc.CurrentKey = rc.PendingKey
		rc.CurrentKey.State = KeyStateActive
		rc.CurrentKey.StateSince = e.At
		rc.PendingKey = nil
		if old != nil {
			old.State = KeyStateStaged
			old.StateSince = e.At
			rc.OldKey = old
		}

	case EvtKeyRollFinished:
		var e KeyRollFinishedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		if rc := c.state.ResourceClasses[e.Name]; rc != nil {
			rc.OldKey = nil
		}

	case EvtObjectsPublished:
		var e ObjectsPublishedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		rc := c.state.ResourceClasses[e.Name]
		if rc == nil {
			return serrors.New("publication for unknown class", "class", e.Name)
		}
		key := rc.KeyByID(e.KeyID)
		if key != nil {
			key.MFTNumber = e.MFTNumber
			key.CRLNumber = e.CRLNumber
			key.ThisUpdate = e.ThisUpdate
			key.NextUpdate = e.NextUpdate
			if key.Objects == nil {
				key.Objects = make(map[rpki.RsyncURI]string)
			}
			for _, change := range e.Intent.Changes {
				switch change.Op {
				case OpWithdraw:
					delete(key.Objects, change.URI)
				default:
					key.Objects[change.URI] = hashHex(change.Bytes)
				}
			}
		}
		if c.state.PendingPublish == nil {
			c.state.PendingPublish = make(map[string]*PublishIntent)
		}
		intent := e.Intent
		c.state.PendingPublish[intent.IntentID] = &intent

	case EvtPublishConfirmed:
		var e PublishConfirmedEvent
		if err := decode(event, &e); err != nil {
			return err
		}
		delete(c.state.PendingPublish, e.IntentID)

	case EvtArchived:
		c.state.Archived = true

	default:
		return serrors.New("unknown CA event", "type", event.Type)
	}
	c.state.Version = event.Version
	return nil
}

func decode(event eventstore.Event, into any) error {
	if err := json.Unmarshal(event.Data, into); err != nil {
		return serrors.Wrap("decoding event", err, "type", event.Type)
	}
	return nil
}
