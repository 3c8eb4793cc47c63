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

// Package updown implements the provisioning protocol (RFC 6492): the
// responder answering children on behalf of a parent CA, and the
// requester driving a CA's exchanges with its parents. Handlers are
// thin: they authenticate the CMS envelope, translate between XML and
// aggregate commands, and sign the response.
package updown

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/provisioning"
	"github.com/krillpki/krill/pkg/scrypto/cms"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/keystore"
)

// MaxClockSkew is the replay guard window: messages whose signing time
// deviates more from the local clock are rejected.
const MaxClockSkew = time.Hour

// Responder answers up-down requests addressed to local parent CAs.
type Responder struct {
	CAs   *aggregate.Processor
	Keys  *keystore.Store
	Rand  io.Reader
	Clock func() time.Time
}

// Handle processes one request body addressed to the parent CA and
// returns the signed response body. Errors that can be attributed to an
// authenticated sender are returned as signed error_response messages;
// authentication failures return a plain error.
func (r *Responder) Handle(ctx context.Context, parent rpki.Handle, body []byte) ([]byte, error) {
	logger := log.FromCtx(ctx)
	now := r.Clock()

	state, err := r.CAs.Get(parent)
	if err != nil {
		return nil, serrors.Wrap("loading parent CA", err, "parent", parent)
	}
	parentCA := state.(*ca.CertAuth)

	envelope, err := cms.Parse(body)
	if err != nil {
		return nil, serrors.Wrap("parsing request envelope", err)
	}
	msg, err := provisioning.Decode(envelope.Content)
	if err != nil {
		return nil, serrors.Wrap("decoding request", err)
	}
	sender, err := rpki.ParseHandle(msg.Sender)
	if err != nil {
		return nil, serrors.Wrap("parsing sender handle", err)
	}
	child := parentCA.Child(sender)
	if child == nil {
		return nil, serrors.New("unknown child", "parent", parent, "child", sender)
	}
	childID, err := x509.ParseCertificate(child.IDCertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing child identity", err)
	}
	// The claimed sender must match the authenticated identity.
	if err := envelope.VerifySigner(childID); err != nil {
		return nil, serrors.Wrap("authenticating child", err, "child", sender)
	}
	if d := now.Sub(envelope.SigningTime); d > MaxClockSkew || d < -MaxClockSkew {
		return nil, serrors.New("signing time outside replay window",
			"signing_time", envelope.SigningTime, "now", now)
	}
	if msg.Recipient != parent.String() {
		return nil, serrors.New("message addressed to different recipient",
			"recipient", msg.Recipient, "parent", parent)
	}

	var reply *provisioning.Message
	switch msg.Type {
	case provisioning.TypeList:
		reply = r.listResponse(parentCA, sender, msg)
	case provisioning.TypeIssue:
		reply, err = r.issue(ctx, parentCA, sender, msg)
	case provisioning.TypeRevoke:
		reply, err = r.revoke(ctx, parentCA, sender, msg)
	default:
		reply = provisioning.NewError(msg, provisioning.ErrInternalError,
			"unsupported message type")
	}
	if err != nil {
		logger.Info("Up-down request failed", "parent", parent, "child", sender, "err", err)
		reply = provisioning.NewError(msg, errorStatus(err), err.Error())
	}
	return r.sign(parentCA, reply, now)
}

func errorStatus(err error) int {
	switch aggregate.KindOf(err) {
	case aggregate.KindResourcesNotSubset:
		return provisioning.ErrBadResourcesForCert
	case aggregate.KindNotFound:
		return provisioning.ErrBadClassName
	case aggregate.KindCrypto:
		return provisioning.ErrBadCertRequested
	default:
		return provisioning.ErrInternalError
	}
}

// listResponse describes every class in which the child holds an
// entitlement.
func (r *Responder) listResponse(parentCA *ca.CertAuth, child rpki.Handle,
	msg *provisioning.Message) *provisioning.Message {

	reply := provisioning.NewMessage(
		rpki.Handle(msg.Recipient), child, provisioning.TypeListResponse)
	for _, name := range sortedStrings(parentCA.ResourceClasses()) {
		if class := r.classElement(parentCA, child, name); class != nil {
			reply.Classes = append(reply.Classes, *class)
		}
	}
	return reply
}

func (r *Responder) classElement(parentCA *ca.CertAuth, child rpki.Handle,
	name string) *provisioning.Class {

	rc := parentCA.ResourceClass(name)
	childInfo := parentCA.Child(child)
	if rc == nil || childInfo == nil || rc.CurrentKey == nil || len(rc.CurrentKey.CertDER) == 0 {
		return nil
	}
	entitled := childInfo.Resources.Intersection(rc.CurrentKey.Resources)
	if entitled.IsEmpty() {
		return nil
	}
	issuerCert, err := rc.CurrentKey.Cert()
	if err != nil {
		return nil
	}
	class := &provisioning.Class{
		Name:        name,
		CertURL:     rc.CurrentKey.CertURI.String(),
		ResourceASN: entitled.ASNString(),
		ResourceV4:  entitled.V4String(),
		ResourceV6:  entitled.V6String(),
		NotAfter:    issuerCert.NotAfter.UTC().Format(time.RFC3339),
		Issuer:      base64.StdEncoding.EncodeToString(rc.CurrentKey.CertDER),
	}
	for _, issued := range childInfo.IssuedCerts {
		if issued.ClassName != name {
			continue
		}
		class.Certificates = append(class.Certificates, provisioning.CertificateElement{
			CertURL: issued.CertURI.String(),
			Base64:  base64.StdEncoding.EncodeToString(issued.CertDER),
		})
	}
	return class
}

func (r *Responder) issue(ctx context.Context, parentCA *ca.CertAuth, child rpki.Handle,
	msg *provisioning.Message) (*provisioning.Message, error) {

	csr, err := decodeB64(msg.Request.Base64)
	if err != nil {
		return nil, err
	}
	cmd := ca.IssueCertCmd{
		Child:  child,
		Name:   msg.Request.ClassName,
		CSRDER: csr,
	}
	cmd.CA = parentCA.Handle()
	state, _, err := r.CAs.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	reply := provisioning.NewMessage(
		rpki.Handle(msg.Recipient), child, provisioning.TypeIssueResponse)
	if class := r.classElement(state.(*ca.CertAuth), child, msg.Request.ClassName); class != nil {
		reply.Classes = append(reply.Classes, *class)
	}
	return reply, nil
}

func (r *Responder) revoke(ctx context.Context, parentCA *ca.CertAuth, child rpki.Handle,
	msg *provisioning.Message) (*provisioning.Message, error) {

	ki, err := parseSKI(msg.Key.SKI)
	if err != nil {
		return nil, err
	}
	cmd := ca.RevokeChildCertCmd{
		Child: child,
		Name:  msg.Key.ClassName,
		KeyID: ki,
	}
	cmd.CA = parentCA.Handle()
	if _, _, err := r.CAs.Send(ctx, cmd); err != nil {
		return nil, err
	}
	reply := provisioning.NewMessage(
		rpki.Handle(msg.Recipient), child, provisioning.TypeRevokeResponse)
	reply.Key = msg.Key
	return reply, nil
}

func (r *Responder) sign(parentCA *ca.CertAuth, msg *provisioning.Message,
	now time.Time) ([]byte, error) {

	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	idCert, err := parentCA.IDCert()
	if err != nil {
		return nil, err
	}
	signer, err := r.Keys.Signer(parentCA.IDKey())
	if err != nil {
		return nil, err
	}
	return cms.Sign(r.Rand, cms.OIDContentXML, payload, idCert, signer, now)
}

// parseSKI decodes the base64url key identifier of a revoke element.
func parseSKI(s string) (rpki.KeyID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return rpki.KeyID{}, serrors.Wrap("decoding ski", err)
	}
	if len(raw) != rpki.KeyIDLen {
		return rpki.KeyID{}, serrors.New("bad ski length", "len", len(raw))
	}
	var ki rpki.KeyID
	copy(ki[:], raw)
	return ki, nil
}

func encodeSKI(ki rpki.KeyID) string {
	return base64.RawURLEncoding.EncodeToString(ki[:])
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// decodeB64 decodes base64 XML character data, which may be wrapped over
// multiple lines.
func decodeB64(s string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, serrors.Wrap("decoding base64 payload", err)
	}
	return raw, nil
}
