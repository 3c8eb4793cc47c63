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
	"fmt"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/rpki/roa"
)

// baseCmd carries the target handle shared by all CA commands.
type baseCmd struct {
	CA rpki.Handle `json:"handle"`
}

func (c baseCmd) Handle() rpki.Handle { return c.CA }

// InitCmd creates a CA. With TrustAnchor set the CA self-certifies the
// full resource space and needs no parent.
type InitCmd struct {
	baseCmd
	Repo RepoInfo `json:"repo"`
	// TrustAnchor creates a self-signed trust anchor CA.
	TrustAnchor bool `json:"trust_anchor"`
	// TACertURI is the rsync location of the TA certificate. When empty, a
	// trust anchor publishes it as ta.cer in its key's publication
	// directory.
	TACertURI rpki.RsyncURI `json:"ta_cert_uri,omitempty"`
}

func (c InitCmd) Kind() string    { return "init" }
func (c InitCmd) Summary() string { return fmt.Sprintf("initialise CA %s", c.CA) }

// AddParentCmd registers a parent CA.
type AddParentCmd struct {
	baseCmd
	Parent rpki.Handle `json:"parent"`
	Info   ParentInfo  `json:"info"`
}

func (c AddParentCmd) Kind() string { return "add-parent" }
func (c AddParentCmd) Summary() string {
	return fmt.Sprintf("add parent %s to CA %s", c.Parent, c.CA)
}

// UpdateEntitlementsCmd applies a parent's resource class list. Classes
// without an active key get a fresh key and an outstanding certificate
// request.
type UpdateEntitlementsCmd struct {
	baseCmd
	Parent  rpki.Handle   `json:"parent"`
	Classes []Entitlement `json:"classes"`
}

// Entitlement is one class the parent offers.
type Entitlement struct {
	Name      string        `json:"name"`
	Resources resources.Set `json:"resources"`
}

func (c UpdateEntitlementsCmd) Kind() string { return "update-entitlements" }
func (c UpdateEntitlementsCmd) Summary() string {
	return fmt.Sprintf("update entitlements of CA %s under %s", c.CA, c.Parent)
}

// CertReceivedCmd installs a certificate returned by the parent.
type CertReceivedCmd struct {
	baseCmd
	Parent  rpki.Handle   `json:"parent"`
	Name    string        `json:"class_name"`
	KeyID   rpki.KeyID    `json:"key_id"`
	CertDER []byte        `json:"cert"`
	CertURI rpki.RsyncURI `json:"cert_uri"`
}

func (c CertReceivedCmd) Kind() string { return "certificate-received" }
func (c CertReceivedCmd) Summary() string {
	return fmt.Sprintf("install certificate for class %s of CA %s", c.Name, c.CA)
}

// AddChildCmd registers a child CA with its authorized resources.
type AddChildCmd struct {
	baseCmd
	Child     rpki.Handle   `json:"child"`
	IDCertDER []byte        `json:"id_cert"`
	Resources resources.Set `json:"resources"`
}

func (c AddChildCmd) Kind() string { return "add-child" }
func (c AddChildCmd) Summary() string {
	return fmt.Sprintf("add child %s to CA %s", c.Child, c.CA)
}

// UpdateChildCmd replaces a child's resources and, optionally, identity.
type UpdateChildCmd struct {
	baseCmd
	Child     rpki.Handle   `json:"child"`
	IDCertDER []byte        `json:"id_cert,omitempty"`
	Resources resources.Set `json:"resources"`
}

func (c UpdateChildCmd) Kind() string { return "update-child" }
func (c UpdateChildCmd) Summary() string {
	return fmt.Sprintf("update child %s of CA %s", c.Child, c.CA)
}

// IssueCertCmd signs a certificate for a child key from its PKCS#10
// request.
type IssueCertCmd struct {
	baseCmd
	Child rpki.Handle `json:"child"`
	Name  string      `json:"class_name"`
	// CSRDER is the child's certificate request.
	CSRDER []byte `json:"csr"`
	// Resources requested; must be a subset of the child's authorized
	// resources and the class's certified resources. Empty requests the
	// full intersection.
	Resources resources.Set `json:"resources"`
}

func (c IssueCertCmd) Kind() string { return "issue-certificate" }
func (c IssueCertCmd) Summary() string {
	return fmt.Sprintf("issue certificate to child %s of CA %s", c.Child, c.CA)
}

// RevokeChildCertCmd revokes a certificate issued to a child key.
type RevokeChildCertCmd struct {
	baseCmd
	Child rpki.Handle `json:"child"`
	Name  string      `json:"class_name"`
	KeyID rpki.KeyID  `json:"key_id"`
}

func (c RevokeChildCertCmd) Kind() string { return "revoke-child-certificate" }
func (c RevokeChildCertCmd) Summary() string {
	return fmt.Sprintf("revoke certificate of child %s key %s", c.Child, c.KeyID)
}

// AddROACmd authorizes an AS to originate prefixes.
type AddROACmd struct {
	baseCmd
	Auths []RouteAuth `json:"auths"`
}

func (c AddROACmd) Kind() string { return "add-roa" }
func (c AddROACmd) Summary() string {
	return fmt.Sprintf("add %d route authorizations to CA %s", len(c.Auths), c.CA)
}

// RemoveROACmd withdraws route authorizations.
type RemoveROACmd struct {
	baseCmd
	Auths []RouteAuth `json:"auths"`
}

func (c RemoveROACmd) Kind() string { return "remove-roa" }
func (c RemoveROACmd) Summary() string {
	return fmt.Sprintf("remove %d route authorizations from CA %s", len(c.Auths), c.CA)
}

// StartKeyRollCmd generates a pending key for a class and requests its
// certificate.
type StartKeyRollCmd struct {
	baseCmd
	Name string `json:"class_name"`
}

func (c StartKeyRollCmd) Kind() string { return "keyroll-start" }
func (c StartKeyRollCmd) Summary() string {
	return fmt.Sprintf("start key roll in class %s of CA %s", c.Name, c.CA)
}

// ActivateKeyRollCmd promotes the certified pending key after the
// minimum staging time.
type ActivateKeyRollCmd struct {
	baseCmd
	Name string `json:"class_name"`
}

func (c ActivateKeyRollCmd) Kind() string { return "keyroll-activate" }
func (c ActivateKeyRollCmd) Summary() string {
	return fmt.Sprintf("activate key roll in class %s of CA %s", c.Name, c.CA)
}

// FinishKeyRollCmd revokes the staged old key after the quiet period.
type FinishKeyRollCmd struct {
	baseCmd
	Name string `json:"class_name"`
}

func (c FinishKeyRollCmd) Kind() string { return "keyroll-finish" }
func (c FinishKeyRollCmd) Summary() string {
	return fmt.Sprintf("finish key roll in class %s of CA %s", c.Name, c.CA)
}

// RepublishCmd re-signs manifests and CRLs that approach their next
// update time. It applies to all classes whose half-life has passed, or
// unconditionally with Force.
type RepublishCmd struct {
	baseCmd
	Force bool `json:"force,omitempty"`
}

func (c RepublishCmd) Kind() string    { return "republish" }
func (c RepublishCmd) Summary() string { return fmt.Sprintf("republish CA %s", c.CA) }

// ConfirmPublishCmd acknowledges that the repository applied a
// publication intent.
type ConfirmPublishCmd struct {
	baseCmd
	IntentID string `json:"intent_id"`
}

func (c ConfirmPublishCmd) Kind() string { return "confirm-publication" }
func (c ConfirmPublishCmd) Summary() string {
	return fmt.Sprintf("confirm publication %s of CA %s", c.IntentID, c.CA)
}

// ArchiveCmd withdraws all published objects and marks the CA archived.
// Archived CAs reject further commands; their event history remains.
type ArchiveCmd struct {
	baseCmd
}

func (c ArchiveCmd) Kind() string    { return "archive" }
func (c ArchiveCmd) Summary() string { return fmt.Sprintf("archive CA %s", c.CA) }

// NewRouteAuth builds a RouteAuth from a parsed ROA prefix.
func NewRouteAuth(asn resources.ASN, prefix roa.Prefix) RouteAuth {
	return RouteAuth{
		ASN:       asn,
		Prefix:    prefix.Prefix.String(),
		MaxLength: prefix.MaxLength,
	}
}
