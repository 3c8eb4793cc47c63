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

// Package ca implements the Certificate Authority aggregate: parents,
// children, resource classes, key lifecycle, route authorizations, and
// the signed objects each key publishes.
package ca

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
)

// RepoInfo describes where a CA publishes: the rsync base directory
// assigned by the publication server and the RRDP notification URI.
type RepoInfo struct {
	// SIABase is the rsync directory assigned to this CA.
	SIABase rpki.RsyncURI `json:"sia_base"`
	// NotifyURI is the RRDP notification URI of the repository.
	NotifyURI rpki.HTTPSURI `json:"notify_uri"`
}

// ParentInfo holds the registration of one parent.
type ParentInfo struct {
	// ContactURI is the parent's up-down service endpoint.
	ContactURI rpki.HTTPSURI `json:"contact_uri"`
	// ParentHandle is the handle the parent uses for itself.
	ParentHandle rpki.Handle `json:"parent_handle"`
	// MyChildHandle is the handle the parent assigned to this CA.
	MyChildHandle rpki.Handle `json:"my_child_handle"`
	// IDCertDER is the parent's exchange identity certificate.
	IDCertDER []byte `json:"id_cert"`
}

// ChildInfo holds the registration of one child.
type ChildInfo struct {
	// IDCertDER is the child's exchange identity certificate.
	IDCertDER []byte `json:"id_cert"`
	// Resources the child is authorized to receive.
	Resources resources.Set `json:"resources"`
	// IssuedCerts maps the child's key identifier to its current
	// certificate in each class.
	IssuedCerts map[string]*IssuedCert `json:"issued_certs,omitempty"`
}

// IssuedCert is one certificate issued to a child key.
type IssuedCert struct {
	ClassName string        `json:"class_name"`
	KeyID     rpki.KeyID    `json:"key_id"`
	CertDER   []byte        `json:"cert"`
	CertURI   rpki.RsyncURI `json:"cert_uri"`
	Serial    *big.Int      `json:"serial"`
	NotAfter  time.Time     `json:"not_after"`
	Resources resources.Set `json:"resources"`
}

// KeyState is the lifecycle state of a key in a resource class.
type KeyState string

const (
	// KeyStatePending waits for its first certificate, or for key roll
	// activation.
	KeyStatePending KeyState = "pending"
	// KeyStateActive signs the class's objects.
	KeyStateActive KeyState = "active"
	// KeyStateStaged is a replaced key awaiting final revocation.
	KeyStateStaged KeyState = "staged-for-revocation"
)

// CertifiedKey is one key slot of a resource class with the publication
// counters bound to it.
type CertifiedKey struct {
	KeyID rpki.KeyID `json:"key_id"`
	State KeyState   `json:"state"`

	// CertDER and CertURI hold the certificate received from the parent,
	// once present.
	CertDER []byte        `json:"cert,omitempty"`
	CertURI rpki.RsyncURI `json:"cert_uri,omitempty"`
	// Resources certified for this key.
	Resources resources.Set `json:"resources"`

	// MFTNumber and CRLNumber are the last published counters, strictly
	// increasing per key.
	MFTNumber uint64 `json:"mft_number"`
	CRLNumber uint64 `json:"crl_number"`
	// ThisUpdate and NextUpdate of the last published manifest and CRL.
	ThisUpdate time.Time `json:"this_update,omitempty"`
	NextUpdate time.Time `json:"next_update,omitempty"`

	// Revocations is the CRL backlog of this key.
	Revocations []Revocation `json:"revocations,omitempty"`

	// Objects maps the URIs currently published under this key's SIA
	// directory to their hex SHA-256.
	Objects map[rpki.RsyncURI]string `json:"objects,omitempty"`

	// StateSince records when the key entered its current state.
	StateSince time.Time `json:"state_since"`
}

// Revocation is one revoked serial.
type Revocation struct {
	Serial    *big.Int  `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	NotAfter  time.Time `json:"not_after"`
}

// Cert parses the received certificate.
func (k *CertifiedKey) Cert() (*x509.Certificate, error) {
	if len(k.CertDER) == 0 {
		return nil, serrors.New("key has no certificate", "key", k.KeyID)
	}
	c, err := x509.ParseCertificate(k.CertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing key certificate", err, "key", k.KeyID)
	}
	return c, nil
}

// PublishedROA is a signed route origin authorization in a resource
// class.
type PublishedROA struct {
	Auth RouteAuth `json:"auth"`
	// URI and ObjectDER are the published signed object.
	URI       rpki.RsyncURI `json:"uri"`
	ObjectDER []byte        `json:"object"`
	// EESerial and EENotAfter identify the one-shot EE certificate, for
	// revocation on removal.
	EESerial   *big.Int  `json:"ee_serial"`
	EENotAfter time.Time `json:"ee_not_after"`
}

// RouteAuth is one (asn, prefix, maxLength) authorization.
type RouteAuth struct {
	ASN       resources.ASN `json:"asn"`
	Prefix    string        `json:"prefix"`
	MaxLength int           `json:"max_length"`
}

// Key gives the canonical identity of the authorization, used for
// ordering and map keys.
func (r RouteAuth) Key() string {
	return fmt.Sprintf("%s-%s-%d", r.ASN, r.Prefix, r.MaxLength)
}

// ResourceClass is one resource class under a parent with its three key
// slots.
type ResourceClass struct {
	Name         string      `json:"name"`
	ParentHandle rpki.Handle `json:"parent"`
	// Entitlements last received from the parent.
	Entitlements resources.Set `json:"entitlements"`

	CurrentKey *CertifiedKey `json:"current_key,omitempty"`
	PendingKey *CertifiedKey `json:"pending_key,omitempty"`
	OldKey     *CertifiedKey `json:"old_key,omitempty"`

	// ROAs published in this class, keyed by RouteAuth.Key().
	ROAs map[string]*PublishedROA `json:"roas,omitempty"`
}

// KeyByID finds a key slot by identifier.
func (rc *ResourceClass) KeyByID(ki rpki.KeyID) *CertifiedKey {
	for _, k := range []*CertifiedKey{rc.CurrentKey, rc.PendingKey, rc.OldKey} {
		if k != nil && k.KeyID == ki {
			return k
		}
	}
	return nil
}

// PublishIntent is a pending cross-aggregate publication: the delta has
// been committed to the CA's event stream but not yet confirmed by the
// publication server.
type PublishIntent struct {
	IntentID string         `json:"intent_id"`
	Changes  []ObjectChange `json:"changes"`
	// CAVersion is the CA version whose command produced this intent.
	CAVersion uint64 `json:"ca_version"`
}

// ObjectChange is one element of a publication delta.
type ObjectChange struct {
	// Op is "publish", "update" or "withdraw".
	Op string `json:"op"`
	// URI of the object.
	URI rpki.RsyncURI `json:"uri"`
	// OldHash is the hex SHA-256 of the replaced or withdrawn object.
	OldHash string `json:"old_hash,omitempty"`
	// Bytes is the new object content for publish and update.
	Bytes []byte `json:"bytes,omitempty"`
}

// Object change operations.
const (
	OpPublish  = "publish"
	OpUpdate   = "update"
	OpWithdraw = "withdraw"
)

// caState is the serializable state of a CA aggregate.
type caState struct {
	Handle  rpki.Handle `json:"handle"`
	Version uint64      `json:"version"`

	IDKey     rpki.KeyID `json:"id_key"`
	IDCertDER []byte     `json:"id_cert"`

	Repo RepoInfo `json:"repo"`

	Parents         map[rpki.Handle]*ParentInfo `json:"parents,omitempty"`
	ResourceClasses map[string]*ResourceClass   `json:"resource_classes,omitempty"`
	Children        map[rpki.Handle]*ChildInfo  `json:"children,omitempty"`

	// PendingRequests are outstanding certificate requests to parents,
	// keyed by key identifier.
	PendingRequests map[string]*CertRequest `json:"pending_requests,omitempty"`
	// PendingPublish are publication intents not yet confirmed by the
	// repository, keyed by intent id.
	PendingPublish map[string]*PublishIntent `json:"pending_publish,omitempty"`

	Archived bool `json:"archived,omitempty"`
}

// CertRequest is an outstanding certificate request to a parent.
type CertRequest struct {
	Parent rpki.Handle `json:"parent"`
	Name   string      `json:"class_name"`
	KeyID  rpki.KeyID  `json:"key_id"`
	CSRDER []byte      `json:"csr"`
}

func (s *caState) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, serrors.Wrap("encoding CA state", err)
	}
	return raw, nil
}
