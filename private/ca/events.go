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
	"encoding/json"
	"math/big"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/private/eventstore"
)

// Event types of the CA aggregate.
const (
	EvtInitialized      = "ca-initialized"
	EvtParentAdded      = "ca-parent-added"
	EvtClassAdded       = "ca-resource-class-added"
	EvtClassRemoved     = "ca-resource-class-removed"
	EvtEntitlementsSet  = "ca-entitlements-updated"
	EvtCertRequested    = "ca-certificate-requested"
	EvtCertReceived     = "ca-certificate-received"
	EvtChildAdded       = "ca-child-added"
	EvtChildUpdated     = "ca-child-updated"
	EvtChildCertIssued  = "ca-child-certificate-issued"
	EvtChildCertRevoked = "ca-child-certificate-revoked"
	EvtROAAdded         = "ca-roa-added"
	EvtROARemoved       = "ca-roa-removed"
	EvtKeyRollStarted   = "ca-keyroll-pending-key-added"
	EvtKeyRollActivated = "ca-keyroll-activated"
	EvtKeyRollFinished  = "ca-keyroll-finished"
	EvtObjectsPublished = "ca-objects-published"
	EvtPublishConfirmed = "ca-publication-confirmed"
	EvtArchived         = "ca-archived"
)

// InitializedEvent creates the CA with its exchange identity and
// repository info.
type InitializedEvent struct {
	IDKey     rpki.KeyID `json:"id_key"`
	IDCertDER []byte     `json:"id_cert"`
	Repo      RepoInfo   `json:"repo"`
}

// ParentAddedEvent registers a parent.
type ParentAddedEvent struct {
	Parent rpki.Handle `json:"parent"`
	Info   ParentInfo  `json:"info"`
}

// ClassAddedEvent introduces a resource class offered by a parent.
type ClassAddedEvent struct {
	Parent       rpki.Handle   `json:"parent"`
	Name         string        `json:"name"`
	Entitlements resources.Set `json:"entitlements"`
}

// ClassRemovedEvent drops a resource class; its objects are withdrawn by
// the accompanying publish event.
type ClassRemovedEvent struct {
	Name string `json:"name"`
}

// EntitlementsSetEvent updates the entitlements of a class.
type EntitlementsSetEvent struct {
	Name         string        `json:"name"`
	Entitlements resources.Set `json:"entitlements"`
}

// CertRequestedEvent records an outstanding certificate request for a
// key. The request is carried to the parent by the up-down engine.
type CertRequestedEvent struct {
	Name   string     `json:"name"`
	KeyID  rpki.KeyID `json:"key_id"`
	CSRDER []byte     `json:"csr"`
}

// CertReceivedEvent installs a certificate received from the parent.
type CertReceivedEvent struct {
	Name      string        `json:"name"`
	KeyID     rpki.KeyID    `json:"key_id"`
	CertDER   []byte        `json:"cert"`
	CertURI   rpki.RsyncURI `json:"cert_uri"`
	Resources resources.Set `json:"resources"`
	// Promoted is set when a pending key became the class's active key.
	Promoted bool `json:"promoted,omitempty"`
}

// ChildAddedEvent registers a child CA.
type ChildAddedEvent struct {
	Child     rpki.Handle   `json:"child"`
	IDCertDER []byte        `json:"id_cert"`
	Resources resources.Set `json:"resources"`
}

// ChildUpdatedEvent replaces a child's authorized resources or identity.
type ChildUpdatedEvent struct {
	Child     rpki.Handle   `json:"child"`
	IDCertDER []byte        `json:"id_cert,omitempty"`
	Resources resources.Set `json:"resources"`
}

// ChildCertIssuedEvent records a certificate issued to a child key.
type ChildCertIssuedEvent struct {
	Child rpki.Handle `json:"child"`
	Cert  IssuedCert  `json:"cert"`
}

// ChildCertRevokedEvent moves a child certificate to the CRL backlog.
type ChildCertRevokedEvent struct {
	Child  rpki.Handle `json:"child"`
	Name   string      `json:"class_name"`
	KeyID  rpki.KeyID  `json:"key_id"`
	Serial *big.Int    `json:"serial"`
	At     time.Time   `json:"at"`
}

// ROAAddedEvent records a signed route origin authorization.
type ROAAddedEvent struct {
	Name string       `json:"class_name"`
	ROA  PublishedROA `json:"roa"`
}

// ROARemovedEvent drops an authorization; the EE certificate moves to the
// CRL backlog.
type ROARemovedEvent struct {
	Name string    `json:"class_name"`
	Auth RouteAuth `json:"auth"`
	At   time.Time `json:"at"`
}

// KeyRollStartedEvent adds a pending key to a class.
type KeyRollStartedEvent struct {
	Name  string     `json:"class_name"`
	KeyID rpki.KeyID `json:"key_id"`
	At    time.Time  `json:"at"`
}

// KeyRollActivatedEvent swaps the pending key in and stages the previous
// active key for revocation.
type KeyRollActivatedEvent struct {
	Name string    `json:"class_name"`
	At   time.Time `json:"at"`
}

// KeyRollFinishedEvent revokes the staged key.
type KeyRollFinishedEvent struct {
	Name  string     `json:"class_name"`
	KeyID rpki.KeyID `json:"key_id"`
}

// ObjectsPublishedEvent carries a freshly signed object set for one key:
// the new manifest and CRL, plus any added or withdrawn objects, as a
// publication delta to be pushed to the repository.
type ObjectsPublishedEvent struct {
	Name  string     `json:"class_name"`
	KeyID rpki.KeyID `json:"key_id"`

	MFTNumber  uint64    `json:"mft_number"`
	CRLNumber  uint64    `json:"crl_number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`

	Intent PublishIntent `json:"intent"`
}

// PublishConfirmedEvent acknowledges that the repository applied the
// intent.
type PublishConfirmedEvent struct {
	IntentID string `json:"intent_id"`
}

// ArchivedEvent marks the CA archived. Archived CAs reject further
// commands.
type ArchivedEvent struct{}

// newEvent wraps a payload into a stored event at the given version.
func newEvent(handle rpki.Handle, version uint64, evtType string, payload any) (eventstore.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return eventstore.Event{}, serrors.Wrap("encoding event", err, "type", evtType)
	}
	return eventstore.Event{
		Handle:  handle,
		Version: version,
		Type:    evtType,
		Data:    data,
	}, nil
}
