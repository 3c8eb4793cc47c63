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
	"net/netip"
	"sort"
	"time"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/cert"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/rpki/roa"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
)

// emitter collects the events of one command with contiguous versions.
type emitter struct {
	handle  rpki.Handle
	version uint64
	events  []eventstore.Event
}

func (e *emitter) emit(evtType string, payload any) error {
	e.version++
	event, err := newEvent(e.handle, e.version, evtType, payload)
	if err != nil {
		return err
	}
	e.events = append(e.events, event)
	return nil
}

// next is the version the next emitted event will get.
func (e *emitter) next() uint64 { return e.version + 1 }

// ProcessCommand implements aggregate.Aggregate. Validation happens here;
// nothing is applied.
func (c *CertAuth) ProcessCommand(cmd aggregate.Command, now time.Time) ([]eventstore.Event, error) {
	if init, ok := cmd.(InitCmd); ok {
		return c.processInit(init, now)
	}
	if c.state.Version == 0 {
		return nil, aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"CA %q does not exist", cmd.Handle())
	}
	if c.state.Archived {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed,
			"CA %q is archived", cmd.Handle())
	}
	e := &emitter{handle: c.state.Handle, version: c.state.Version}
	var err error
	switch cmd := cmd.(type) {
	case AddParentCmd:
		err = c.processAddParent(e, cmd)
	case UpdateEntitlementsCmd:
		err = c.processUpdateEntitlements(e, cmd, now)
	case CertReceivedCmd:
		err = c.processCertReceived(e, cmd, now)
	case AddChildCmd:
		err = c.processAddChild(e, cmd, now)
	case UpdateChildCmd:
		err = c.processUpdateChild(e, cmd)
	case IssueCertCmd:
		err = c.processIssueCert(e, cmd, now)
	case RevokeChildCertCmd:
		err = c.processRevokeChildCert(e, cmd, now)
	case AddROACmd:
		err = c.processAddROA(e, cmd, now)
	case RemoveROACmd:
		err = c.processRemoveROA(e, cmd, now)
	case StartKeyRollCmd:
		err = c.processStartKeyRoll(e, cmd, now)
	case ActivateKeyRollCmd:
		err = c.processActivateKeyRoll(e, cmd, now)
	case FinishKeyRollCmd:
		err = c.processFinishKeyRoll(e, cmd, now)
	case RepublishCmd:
		err = c.processRepublish(e, cmd, now)
	case ConfirmPublishCmd:
		err = c.processConfirmPublish(e, cmd)
	case ArchiveCmd:
		err = c.processArchive(e)
	default:
		err = aggregate.NewDomainError(aggregate.KindMalformed,
			"unknown command %q", cmd.Kind())
	}
	if err != nil {
		return nil, err
	}
	return e.events, nil
}

func (c *CertAuth) processInit(cmd InitCmd, now time.Time) ([]eventstore.Event, error) {
	if c.state.Version != 0 {
		return nil, aggregate.NewDomainError(aggregate.KindAlreadyExists,
			"CA %q already exists", cmd.CA)
	}
	if err := cmd.CA.Validate(); err != nil {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed, "invalid handle: %v", err)
	}
	if cmd.Repo.SIABase == "" || cmd.Repo.NotifyURI == "" {
		return nil, aggregate.NewDomainError(aggregate.KindMalformed,
			"repository info is incomplete")
	}
	e := &emitter{handle: cmd.CA}

	idKI, err := c.signer.keys.Create()
	if err != nil {
		return nil, err
	}
	idSigner, err := c.signer.keys.Signer(idKI)
	if err != nil {
		return nil, err
	}
	idCert, err := scrypto.NewIDCert(c.signer.rnd, idSigner, now)
	if err != nil {
		return nil, err
	}
	if err := e.emit(EvtInitialized, InitializedEvent{
		IDKey:     idKI,
		IDCertDER: idCert.Raw,
		Repo:      cmd.Repo,
	}); err != nil {
		return nil, err
	}
	if !cmd.TrustAnchor {
		return e.events, nil
	}

	// A trust anchor certifies the full resource space with a self-signed
	// certificate in a single resource class.
	ki, err := c.signer.keys.Create()
	if err != nil {
		return nil, err
	}
	taCert, err := c.signer.selfSignTA(ki, cmd.Repo, now)
	if err != nil {
		return nil, err
	}
	taURI := cmd.TACertURI
	if taURI == "" {
		taURI = keyDir(cmd.Repo.SIABase, ki).Join("ta.cer")
	}
	if err := e.emit(EvtClassAdded, ClassAddedEvent{
		Parent:       cmd.CA,
		Name:         "0",
		Entitlements: resources.All(),
	}); err != nil {
		return nil, err
	}
	if err := e.emit(EvtKeyRollStarted, KeyRollStartedEvent{
		Name: "0", KeyID: ki, At: now,
	}); err != nil {
		return nil, err
	}
	if err := e.emit(EvtCertReceived, CertReceivedEvent{
		Name:      "0",
		KeyID:     ki,
		CertDER:   taCert.Raw,
		CertURI:   taURI,
		Resources: resources.All(),
		Promoted:  true,
	}); err != nil {
		return nil, err
	}

	key := &CertifiedKey{
		KeyID:      ki,
		State:      KeyStateActive,
		CertDER:    taCert.Raw,
		CertURI:    taURI,
		Resources:  resources.All(),
		StateSince: now,
	}
	products := map[rpki.RsyncURI][]byte{taURI: taCert.Raw}
	publish, err := c.signer.republishKey(key, products, nil, now, e.next())
	if err != nil {
		return nil, err
	}
	publish.Name = "0"
	if err := e.emit(EvtObjectsPublished, publish); err != nil {
		return nil, err
	}
	return e.events, nil
}

func (c *CertAuth) processAddParent(e *emitter, cmd AddParentCmd) error {
	if _, ok := c.state.Parents[cmd.Parent]; ok {
		return aggregate.NewDomainError(aggregate.KindAlreadyExists,
			"parent %q already registered", cmd.Parent)
	}
	if err := cmd.Parent.Validate(); err != nil {
		return aggregate.NewDomainError(aggregate.KindMalformed, "invalid parent handle: %v", err)
	}
	if len(cmd.Info.IDCertDER) == 0 {
		return aggregate.NewDomainError(aggregate.KindMalformed,
			"parent without exchange identity")
	}
	if _, err := x509.ParseCertificate(cmd.Info.IDCertDER); err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"parent identity does not parse: %v", err)
	}
	return e.emit(EvtParentAdded, ParentAddedEvent{Parent: cmd.Parent, Info: cmd.Info})
}

func (c *CertAuth) processUpdateEntitlements(e *emitter, cmd UpdateEntitlementsCmd,
	now time.Time) error {

	if _, ok := c.state.Parents[cmd.Parent]; !ok {
		return aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"parent %q not registered", cmd.Parent)
	}
	offered := make(map[string]Entitlement, len(cmd.Classes))
	names := make([]string, 0, len(cmd.Classes))
	for _, ent := range cmd.Classes {
		offered[ent.Name] = ent
		names = append(names, ent.Name)
	}
	sort.Strings(names)

	// Classes no longer offered: withdraw their objects and drop them.
	for _, name := range sortedClassNames(c.state.ResourceClasses) {
		rc := c.state.ResourceClasses[name]
		if rc.ParentHandle != cmd.Parent {
			continue
		}
		if _, still := offered[name]; still {
			continue
		}
		for _, key := range []*CertifiedKey{rc.CurrentKey, rc.OldKey, rc.PendingKey} {
			if key == nil || len(key.Objects) == 0 {
				continue
			}
			withdraw, err := c.signer.withdrawAll(key, e.next())
			if err != nil {
				return err
			}
			withdraw.Name = name
			if err := e.emit(EvtObjectsPublished, withdraw); err != nil {
				return err
			}
		}
		if err := e.emit(EvtClassRemoved, ClassRemovedEvent{Name: name}); err != nil {
			return err
		}
	}

	for _, name := range names {
		ent := offered[name]
		rc, exists := c.state.ResourceClasses[name]
		if exists {
			if rc.ParentHandle != cmd.Parent {
				return aggregate.NewDomainError(aggregate.KindMalformed,
					"class %q belongs to parent %q", name, rc.ParentHandle)
			}
			if !rc.Entitlements.Equal(ent.Resources) {
				if err := e.emit(EvtEntitlementsSet, EntitlementsSetEvent{
					Name: name, Entitlements: ent.Resources,
				}); err != nil {
					return err
				}
			}
			continue
		}
		// New class: generate a key and request its first certificate.
		if err := e.emit(EvtClassAdded, ClassAddedEvent{
			Parent: cmd.Parent, Name: name, Entitlements: ent.Resources,
		}); err != nil {
			return err
		}
		ki, err := c.signer.keys.Create()
		if err != nil {
			return err
		}
		if err := e.emit(EvtKeyRollStarted, KeyRollStartedEvent{
			Name: name, KeyID: ki, At: now,
		}); err != nil {
			return err
		}
		csr, err := c.signer.newCSR(ki, c.state.Repo)
		if err != nil {
			return err
		}
		if err := e.emit(EvtCertRequested, CertRequestedEvent{
			Name: name, KeyID: ki, CSRDER: csr,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *CertAuth) processCertReceived(e *emitter, cmd CertReceivedCmd, now time.Time) error {
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	key := rc.KeyByID(cmd.KeyID)
	if key == nil {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"no key %s awaiting a certificate in class %q", cmd.KeyID, cmd.Name)
	}
	received, err := x509.ParseCertificate(cmd.CertDER)
	if err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"received certificate does not parse: %v", err)
	}
	info, err := cert.ParseInfo(received)
	if err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"received certificate is invalid: %v", err)
	}
	if info.KeyID != cmd.KeyID {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"certificate is for key %s, not %s", info.KeyID, cmd.KeyID)
	}
	certified := info.Resources
	if info.InheritIP && info.InheritAS {
		certified = rc.Entitlements
	}

	promoted := rc.CurrentKey == nil && rc.PendingKey != nil && rc.PendingKey.KeyID == cmd.KeyID
	if err := e.emit(EvtCertReceived, CertReceivedEvent{
		Name:      cmd.Name,
		KeyID:     cmd.KeyID,
		CertDER:   cmd.CertDER,
		CertURI:   cmd.CertURI,
		Resources: certified,
		Promoted:  promoted,
	}); err != nil {
		return err
	}

	updated := *key
	updated.CertDER = cmd.CertDER
	updated.CertURI = cmd.CertURI
	updated.Resources = certified
	if promoted {
		updated.State = KeyStateActive
	}
	// Every certified key maintains a manifest and CRL, including a
	// pending key staged for a roll.
	products := productObjects(rc, &updated, c.state.Children)
	publish, err := c.signer.republishKey(&updated, products, updated.Revocations, now, e.next())
	if err != nil {
		return err
	}
	publish.Name = cmd.Name
	return e.emit(EvtObjectsPublished, publish)
}

func (c *CertAuth) processAddChild(e *emitter, cmd AddChildCmd, now time.Time) error {
	if _, ok := c.state.Children[cmd.Child]; ok {
		return aggregate.NewDomainError(aggregate.KindAlreadyExists,
			"child %q already registered", cmd.Child)
	}
	if err := cmd.Child.Validate(); err != nil {
		return aggregate.NewDomainError(aggregate.KindMalformed, "invalid child handle: %v", err)
	}
	idCert, err := x509.ParseCertificate(cmd.IDCertDER)
	if err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"child identity does not parse: %v", err)
	}
	if err := scrypto.ValidateIDCert(idCert, now); err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"child identity is invalid: %v", err)
	}
	if cmd.Resources.IsEmpty() {
		return aggregate.NewDomainError(aggregate.KindMalformed,
			"child without resources")
	}
	if !c.totalCertified().Contains(cmd.Resources) {
		return aggregate.NewDomainError(aggregate.KindResourcesNotSubset,
			"child resources exceed certified resources")
	}
	return e.emit(EvtChildAdded, ChildAddedEvent{
		Child:     cmd.Child,
		IDCertDER: cmd.IDCertDER,
		Resources: cmd.Resources,
	})
}

func (c *CertAuth) processUpdateChild(e *emitter, cmd UpdateChildCmd) error {
	if _, ok := c.state.Children[cmd.Child]; !ok {
		return aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"child %q not registered", cmd.Child)
	}
	if !c.totalCertified().Contains(cmd.Resources) {
		return aggregate.NewDomainError(aggregate.KindResourcesNotSubset,
			"child resources exceed certified resources")
	}
	return e.emit(EvtChildUpdated, ChildUpdatedEvent{
		Child:     cmd.Child,
		IDCertDER: cmd.IDCertDER,
		Resources: cmd.Resources,
	})
}

func (c *CertAuth) processIssueCert(e *emitter, cmd IssueCertCmd, now time.Time) error {
	child := c.state.Children[cmd.Child]
	if child == nil {
		return aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"child %q not registered", cmd.Child)
	}
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	key := rc.CurrentKey
	if key == nil || len(key.CertDER) == 0 {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"class %q has no active certified key", cmd.Name)
	}
	csr, csrInfo, err := cert.ParseCSR(cmd.CSRDER)
	if err != nil {
		return aggregate.NewDomainError(aggregate.KindCrypto,
			"certificate request rejected: %v", err)
	}

	available := child.Resources.Intersection(key.Resources)
	requested := cmd.Resources
	if requested.IsEmpty() {
		requested = available
	} else if !available.Contains(requested) {
		return aggregate.NewDomainError(aggregate.KindResourcesNotSubset,
			"requested resources exceed child entitlement")
	}
	if requested.IsEmpty() {
		return aggregate.NewDomainError(aggregate.KindResourcesNotSubset,
			"no resources available for child %q in class %q", cmd.Child, cmd.Name)
	}

	if csrInfo.CARepository == "" {
		dir := c.state.Repo.SIABase.Join(cmd.Child.String())
		csrInfo = cert.CSRInfo{
			CARepository: dir,
			ManifestURI:  dir.Join(manifestFile),
			NotifyURI:    c.state.Repo.NotifyURI,
		}
	}
	issued, err := c.signer.signChildCert(key, cmd.Child, cmd.Name,
		csr.PublicKey, requested, csrInfo, now)
	if err != nil {
		return err
	}

	revocations := append([]Revocation(nil), key.Revocations...)
	if previous, ok := child.IssuedCerts[issued.KeyID.String()]; ok {
		if err := e.emit(EvtChildCertRevoked, ChildCertRevokedEvent{
			Child:  cmd.Child,
			Name:   cmd.Name,
			KeyID:  issued.KeyID,
			Serial: previous.Serial,
			At:     now,
		}); err != nil {
			return err
		}
		revocations = append(revocations, Revocation{
			Serial: previous.Serial, RevokedAt: now, NotAfter: previous.NotAfter,
		})
	}
	if err := e.emit(EvtChildCertIssued, ChildCertIssuedEvent{
		Child: cmd.Child,
		Cert:  issued,
	}); err != nil {
		return err
	}

	products := productObjects(rc, key, c.state.Children)
	products[issued.CertURI] = issued.CertDER
	publish, err := c.signer.republishKey(key, products, revocations, now, e.next())
	if err != nil {
		return err
	}
	publish.Name = cmd.Name
	return e.emit(EvtObjectsPublished, publish)
}

func (c *CertAuth) processRevokeChildCert(e *emitter, cmd RevokeChildCertCmd, now time.Time) error {
	child := c.state.Children[cmd.Child]
	if child == nil {
		return aggregate.NewDomainError(aggregate.KindUnknownHandle,
			"child %q not registered", cmd.Child)
	}
	issued := child.IssuedCerts[cmd.KeyID.String()]
	if issued == nil || issued.ClassName != cmd.Name {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"no certificate for child %q key %s in class %q", cmd.Child, cmd.KeyID, cmd.Name)
	}
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil || rc.CurrentKey == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	if err := e.emit(EvtChildCertRevoked, ChildCertRevokedEvent{
		Child:  cmd.Child,
		Name:   cmd.Name,
		KeyID:  cmd.KeyID,
		Serial: issued.Serial,
		At:     now,
	}); err != nil {
		return err
	}
	key := rc.CurrentKey
	products := productObjects(rc, key, c.state.Children)
	delete(products, issued.CertURI)
	revocations := append([]Revocation(nil), key.Revocations...)
	revocations = append(revocations, Revocation{
		Serial: issued.Serial, RevokedAt: now, NotAfter: issued.NotAfter,
	})
	publish, err := c.signer.republishKey(key, products, revocations, now, e.next())
	if err != nil {
		return err
	}
	publish.Name = cmd.Name
	return e.emit(EvtObjectsPublished, publish)
}

func (c *CertAuth) processAddROA(e *emitter, cmd AddROACmd, now time.Time) error {
	auths := sortAuths(cmd.Auths)
	perClass := make(map[string][]RouteAuth)
	for _, auth := range auths {
		prefix, err := parseAuth(auth)
		if err != nil {
			return err
		}
		name, found := "", false
		for _, className := range sortedClassNames(c.state.ResourceClasses) {
			rc := c.state.ResourceClasses[className]
			if rc.CurrentKey == nil || len(rc.CurrentKey.CertDER) == 0 {
				continue
			}
			if rc.CurrentKey.Resources.ContainsPrefix(prefix.Prefix) {
				name, found = className, true
				break
			}
		}
		if !found {
			return aggregate.NewDomainError(aggregate.KindResourcesNotSubset,
				"prefix %s not covered by any certified resource class", auth.Prefix)
		}
		if _, exists := c.state.ResourceClasses[name].ROAs[auth.Key()]; exists {
			continue
		}
		perClass[name] = append(perClass[name], auth)
	}

	for _, name := range sortedKeys(perClass) {
		rc := c.state.ResourceClasses[name]
		key := rc.CurrentKey
		products := productObjects(rc, key, c.state.Children)
		for _, auth := range perClass[name] {
			published, err := c.signer.signROA(key, auth, now)
			if err != nil {
				return err
			}
			if err := e.emit(EvtROAAdded, ROAAddedEvent{Name: name, ROA: published}); err != nil {
				return err
			}
			products[published.URI] = published.ObjectDER
		}
		publish, err := c.signer.republishKey(key, products, key.Revocations, now, e.next())
		if err != nil {
			return err
		}
		publish.Name = name
		if err := e.emit(EvtObjectsPublished, publish); err != nil {
			return err
		}
	}
	return nil
}

func (c *CertAuth) processRemoveROA(e *emitter, cmd RemoveROACmd, now time.Time) error {
	auths := sortAuths(cmd.Auths)
	perClass := make(map[string][]*PublishedROA)
	for _, auth := range auths {
		name, published := c.findROA(auth)
		if published == nil {
			return aggregate.NewDomainError(aggregate.KindNotFound,
				"no authorization %s", auth.Key())
		}
		perClass[name] = append(perClass[name], published)
	}
	for _, name := range sortedKeys(perClass) {
		rc := c.state.ResourceClasses[name]
		key := rc.CurrentKey
		products := productObjects(rc, key, c.state.Children)
		revocations := append([]Revocation(nil), key.Revocations...)
		for _, published := range perClass[name] {
			if err := e.emit(EvtROARemoved, ROARemovedEvent{
				Name: name, Auth: published.Auth, At: now,
			}); err != nil {
				return err
			}
			delete(products, published.URI)
			revocations = append(revocations, Revocation{
				Serial: published.EESerial, RevokedAt: now, NotAfter: published.EENotAfter,
			})
		}
		publish, err := c.signer.republishKey(key, products, revocations, now, e.next())
		if err != nil {
			return err
		}
		publish.Name = name
		if err := e.emit(EvtObjectsPublished, publish); err != nil {
			return err
		}
	}
	return nil
}

func (c *CertAuth) processStartKeyRoll(e *emitter, cmd StartKeyRollCmd, now time.Time) error {
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	if rc.PendingKey != nil {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"class %q already has a pending key", cmd.Name)
	}
	if rc.CurrentKey == nil {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"class %q has no active key to roll", cmd.Name)
	}
	ki, err := c.signer.keys.Create()
	if err != nil {
		return err
	}
	if err := e.emit(EvtKeyRollStarted, KeyRollStartedEvent{
		Name: cmd.Name, KeyID: ki, At: now,
	}); err != nil {
		return err
	}
	csr, err := c.signer.newCSR(ki, c.state.Repo)
	if err != nil {
		return err
	}
	return e.emit(EvtCertRequested, CertRequestedEvent{
		Name: cmd.Name, KeyID: ki, CSRDER: csr,
	})
}

func (c *CertAuth) processActivateKeyRoll(e *emitter, cmd ActivateKeyRollCmd, now time.Time) error {
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	pending := rc.PendingKey
	if pending == nil || len(pending.CertDER) == 0 {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"class %q has no certified pending key", cmd.Name)
	}
	if now.Sub(pending.StateSince) < c.signer.timing.KeyRollStage {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"pending key staged since %s, minimum staging time not reached",
			pending.StateSince.Format(time.RFC3339))
	}
	old := rc.CurrentKey

	// The old key revokes everything it signed; the products move to the
	// new key below.
	oldRevocations := append([]Revocation(nil), old.Revocations...)
	var roas []*PublishedROA
	for _, key := range sortedKeys(rc.ROAs) {
		roas = append(roas, rc.ROAs[key])
	}
	for _, published := range roas {
		if err := e.emit(EvtROARemoved, ROARemovedEvent{
			Name: cmd.Name, Auth: published.Auth, At: now,
		}); err != nil {
			return err
		}
		oldRevocations = append(oldRevocations, Revocation{
			Serial: published.EESerial, RevokedAt: now, NotAfter: published.EENotAfter,
		})
	}
	reissues := c.classIssuedCerts(cmd.Name)
	for _, issue := range reissues {
		if err := e.emit(EvtChildCertRevoked, ChildCertRevokedEvent{
			Child:  issue.child,
			Name:   cmd.Name,
			KeyID:  issue.cert.KeyID,
			Serial: issue.cert.Serial,
			At:     now,
		}); err != nil {
			return err
		}
		oldRevocations = append(oldRevocations, Revocation{
			Serial: issue.cert.Serial, RevokedAt: now, NotAfter: issue.cert.NotAfter,
		})
	}

	if err := e.emit(EvtKeyRollActivated, KeyRollActivatedEvent{
		Name: cmd.Name, At: now,
	}); err != nil {
		return err
	}

	active := *pending
	active.State = KeyStateActive
	newProducts := make(map[rpki.RsyncURI][]byte)
	// A self-certified CA publishes its own certificate next to the
	// key's products.
	if rc.ParentHandle == c.state.Handle && keyOwns(&active, active.CertURI) {
		newProducts[active.CertURI] = active.CertDER
	}
	for _, published := range roas {
		resigned, err := c.signer.signROA(&active, published.Auth, now)
		if err != nil {
			return err
		}
		if err := e.emit(EvtROAAdded, ROAAddedEvent{Name: cmd.Name, ROA: resigned}); err != nil {
			return err
		}
		newProducts[resigned.URI] = resigned.ObjectDER
	}
	for _, issue := range reissues {
		previous, err := x509.ParseCertificate(issue.cert.CertDER)
		if err != nil {
			return err
		}
		info, err := cert.ParseInfo(previous)
		if err != nil {
			return err
		}
		reissued, err := c.signer.signChildCert(&active, issue.child, cmd.Name,
			previous.PublicKey, issue.cert.Resources, cert.CSRInfo{
				CARepository: info.CARepository,
				ManifestURI:  info.ManifestURI,
				NotifyURI:    info.NotifyURI,
			}, now)
		if err != nil {
			return err
		}
		if err := e.emit(EvtChildCertIssued, ChildCertIssuedEvent{
			Child: issue.child, Cert: reissued,
		}); err != nil {
			return err
		}
		newProducts[reissued.CertURI] = reissued.CertDER
	}

	publish, err := c.signer.republishKey(&active, newProducts, nil, now, e.next())
	if err != nil {
		return err
	}
	publish.Name = cmd.Name
	if err := e.emit(EvtObjectsPublished, publish); err != nil {
		return err
	}

	oldPublish, err := c.signer.republishKey(old, nil, oldRevocations, now, e.next())
	if err != nil {
		return err
	}
	oldPublish.Name = cmd.Name
	return e.emit(EvtObjectsPublished, oldPublish)
}

func (c *CertAuth) processFinishKeyRoll(e *emitter, cmd FinishKeyRollCmd, now time.Time) error {
	rc := c.state.ResourceClasses[cmd.Name]
	if rc == nil {
		return aggregate.NewDomainError(aggregate.KindNotFound,
			"resource class %q not found", cmd.Name)
	}
	old := rc.OldKey
	if old == nil {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"class %q has no staged key", cmd.Name)
	}
	if now.Sub(old.StateSince) < c.signer.timing.KeyRollQuiet {
		return aggregate.NewDomainError(aggregate.KindKeyState,
			"staged key quiet since %s, quiet period not over",
			old.StateSince.Format(time.RFC3339))
	}
	withdraw, err := c.signer.withdrawAll(old, e.next())
	if err != nil {
		return err
	}
	withdraw.Name = cmd.Name
	if err := e.emit(EvtObjectsPublished, withdraw); err != nil {
		return err
	}
	return e.emit(EvtKeyRollFinished, KeyRollFinishedEvent{
		Name: cmd.Name, KeyID: old.KeyID,
	})
}

func (c *CertAuth) processRepublish(e *emitter, cmd RepublishCmd, now time.Time) error {
	for _, name := range sortedClassNames(c.state.ResourceClasses) {
		rc := c.state.ResourceClasses[name]
		for _, key := range []*CertifiedKey{rc.CurrentKey, rc.PendingKey, rc.OldKey} {
			if key == nil || len(key.CertDER) == 0 || key.NextUpdate.IsZero() {
				continue
			}
			if !cmd.Force {
				halfway := key.ThisUpdate.Add(key.NextUpdate.Sub(key.ThisUpdate) / 2)
				if now.Before(halfway) {
					continue
				}
			}
			products := productObjects(rc, key, c.state.Children)
			publish, err := c.signer.republishKey(key, products, key.Revocations, now, e.next())
			if err != nil {
				return err
			}
			publish.Name = name
			if err := e.emit(EvtObjectsPublished, publish); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *CertAuth) processConfirmPublish(e *emitter, cmd ConfirmPublishCmd) error {
	if _, ok := c.state.PendingPublish[cmd.IntentID]; !ok {
		return nil
	}
	return e.emit(EvtPublishConfirmed, PublishConfirmedEvent{IntentID: cmd.IntentID})
}

func (c *CertAuth) processArchive(e *emitter) error {
	for _, name := range sortedClassNames(c.state.ResourceClasses) {
		rc := c.state.ResourceClasses[name]
		for _, key := range []*CertifiedKey{rc.CurrentKey, rc.PendingKey, rc.OldKey} {
			if key == nil || len(key.Objects) == 0 {
				continue
			}
			withdraw, err := c.signer.withdrawAll(key, e.next())
			if err != nil {
				return err
			}
			withdraw.Name = name
			if err := e.emit(EvtObjectsPublished, withdraw); err != nil {
				return err
			}
		}
	}
	return e.emit(EvtArchived, ArchivedEvent{})
}

// totalCertified is the union of the certified resources of all active
// keys.
func (c *CertAuth) totalCertified() resources.Set {
	total := resources.Empty()
	for _, rc := range c.state.ResourceClasses {
		if rc.CurrentKey != nil {
			total = total.Union(rc.CurrentKey.Resources)
		}
	}
	return total
}

func (c *CertAuth) findROA(auth RouteAuth) (string, *PublishedROA) {
	for _, name := range sortedClassNames(c.state.ResourceClasses) {
		if published, ok := c.state.ResourceClasses[name].ROAs[auth.Key()]; ok {
			return name, published
		}
	}
	return "", nil
}

type childIssue struct {
	child rpki.Handle
	cert  *IssuedCert
}

// classIssuedCerts returns the certificates issued in a class, in
// deterministic order.
func (c *CertAuth) classIssuedCerts(name string) []childIssue {
	var out []childIssue
	for _, child := range sortedKeys(c.state.Children) {
		for _, ki := range sortedKeys(c.state.Children[child].IssuedCerts) {
			issued := c.state.Children[child].IssuedCerts[ki]
			if issued.ClassName == name {
				out = append(out, childIssue{child: child, cert: issued})
			}
		}
	}
	return out
}

func parseAuth(auth RouteAuth) (roa.Prefix, error) {
	prefix, err := netip.ParsePrefix(auth.Prefix)
	if err != nil {
		return roa.Prefix{}, aggregate.NewDomainError(aggregate.KindMalformed,
			"invalid prefix %q: %v", auth.Prefix, err)
	}
	p := roa.Prefix{Prefix: prefix, MaxLength: auth.MaxLength}
	if err := p.Validate(); err != nil {
		return roa.Prefix{}, aggregate.NewDomainError(aggregate.KindMalformed,
			"invalid authorization %s: %v", auth.Key(), err)
	}
	return p, nil
}

// sortAuths orders authorizations lexicographically by (asn, prefix,
// maxLength), the emission order for multi-ROA commands.
func sortAuths(auths []RouteAuth) []RouteAuth {
	sorted := append([]RouteAuth(nil), auths...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ASN != sorted[j].ASN {
			return sorted[i].ASN < sorted[j].ASN
		}
		if sorted[i].Prefix != sorted[j].Prefix {
			return sorted[i].Prefix < sorted[j].Prefix
		}
		return sorted[i].MaxLength < sorted[j].MaxLength
	})
	return sorted
}

func sortedClassNames(classes map[string]*ResourceClass) []string {
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sortedKeys returns the sorted keys of a map with ordered keys.
func sortedKeys[M ~map[K]V, K ~string, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
