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

package updown

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/provisioning"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/pkg/scrypto"
	"github.com/krillpki/krill/pkg/scrypto/cms"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/keystore"
)

// DefaultRequestTimeout bounds one outbound protocol exchange.
const DefaultRequestTimeout = 30 * time.Second

// Poster delivers a protocol request body and returns the response body.
type Poster interface {
	Post(ctx context.Context, uri rpki.HTTPSURI, contentType string, body []byte) ([]byte, error)
}

// HTTPPoster posts over HTTP with a per-request deadline.
type HTTPPoster struct {
	Client *http.Client
}

// Post implements Poster.
func (p *HTTPPoster) Post(ctx context.Context, uri rpki.HTTPSURI,
	contentType string, body []byte) ([]byte, error) {

	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(),
		bytes.NewReader(body))
	if err != nil {
		return nil, serrors.Wrap("building request", err, "uri", uri)
	}
	req.Header.Set("Content-Type", contentType)
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, serrors.Wrap("posting request", err, "uri", uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.New("unexpected response status",
			"uri", uri, "status", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// requesterState tracks the per-parent exchange state.
type requesterState string

const (
	stateIdle     requesterState = "idle"
	stateAwaiting requesterState = "awaiting"
)

// Requester drives a CA's up-down exchanges with its parents.
type Requester struct {
	CAs   *aggregate.Processor
	Keys  *keystore.Store
	Rand  io.Reader
	Clock func() time.Time
	Post  Poster

	mu     sync.Mutex
	states map[string]requesterState
}

// SyncParent fetches the parent's resource class list, updates the CA's
// entitlements, and pushes any pending certificate requests.
func (q *Requester) SyncParent(ctx context.Context, caHandle, parent rpki.Handle) error {
	if !q.begin(caHandle, parent) {
		return nil
	}
	defer q.end(caHandle, parent)

	state, err := q.CAs.Get(caHandle)
	if err != nil {
		return err
	}
	child := state.(*ca.CertAuth)
	info, ok := child.Parents()[parent]
	if !ok {
		return serrors.New("parent not registered", "ca", caHandle, "parent", parent)
	}

	list := provisioning.NewMessage(info.MyChildHandle, info.ParentHandle, provisioning.TypeList)
	reply, err := q.exchange(ctx, child, info, list)
	if err != nil {
		return err
	}
	if reply.Type != provisioning.TypeListResponse {
		return serrors.New("unexpected reply", "type", reply.Type)
	}
	classes := make([]ca.Entitlement, 0, len(reply.Classes))
	for _, class := range reply.Classes {
		set, err := resources.Parse(class.ResourceASN, class.ResourceV4, class.ResourceV6)
		if err != nil {
			return serrors.Wrap("parsing entitlement", err, "class", class.Name)
		}
		classes = append(classes, ca.Entitlement{Name: class.Name, Resources: set})
	}
	cmd := ca.UpdateEntitlementsCmd{Parent: parent, Classes: classes}
	cmd.CA = caHandle
	if _, _, err := q.CAs.Send(ctx, cmd); err != nil {
		return err
	}
	return q.sendPending(ctx, caHandle, parent)
}

// SendPendingRequests pushes the CA's outstanding certificate requests
// to the given parent.
func (q *Requester) SendPendingRequests(ctx context.Context, caHandle, parent rpki.Handle) error {
	if !q.begin(caHandle, parent) {
		return nil
	}
	defer q.end(caHandle, parent)
	return q.sendPending(ctx, caHandle, parent)
}

func (q *Requester) sendPending(ctx context.Context, caHandle, parent rpki.Handle) error {
	logger := log.FromCtx(ctx)
	state, err := q.CAs.Get(caHandle)
	if err != nil {
		return err
	}
	child := state.(*ca.CertAuth)
	info, ok := child.Parents()[parent]
	if !ok {
		return serrors.New("parent not registered", "ca", caHandle, "parent", parent)
	}
	var errs serrors.List
	for _, request := range child.PendingRequests() {
		if request.Parent != parent {
			continue
		}
		if err := q.requestCertificate(ctx, child, info, request); err != nil {
			logger.Info("Certificate request failed",
				"ca", caHandle, "class", request.Name, "err", err)
			errs = append(errs, err)
		}
	}
	return errs.ToError()
}

func (q *Requester) requestCertificate(ctx context.Context, child *ca.CertAuth,
	info *ca.ParentInfo, request *ca.CertRequest) error {

	msg := provisioning.NewMessage(info.MyChildHandle, info.ParentHandle, provisioning.TypeIssue)
	msg.Request = &provisioning.IssueRequest{
		ClassName: request.Name,
		Base64:    base64.StdEncoding.EncodeToString(request.CSRDER),
	}
	reply, err := q.exchange(ctx, child, info, msg)
	if err != nil {
		return err
	}
	if reply.Type != provisioning.TypeIssueResponse || len(reply.Classes) == 0 {
		return serrors.New("unexpected reply", "type", reply.Type)
	}
	class := reply.Classes[0]
	for _, element := range class.Certificates {
		der, err := decodeB64(element.Base64)
		if err != nil {
			return err
		}
		received, err := x509.ParseCertificate(der)
		if err != nil {
			return serrors.Wrap("parsing issued certificate", err)
		}
		ki, err := scrypto.KeyIDOf(received.PublicKey)
		if err != nil {
			return err
		}
		if ki != request.KeyID {
			continue
		}
		cmd := ca.CertReceivedCmd{
			Parent:  request.Parent,
			Name:    request.Name,
			KeyID:   request.KeyID,
			CertDER: der,
			CertURI: rpki.RsyncURI(element.CertURL),
		}
		cmd.CA = child.Handle()
		_, _, err = q.CAs.Send(ctx, cmd)
		return err
	}
	return serrors.New("issue response without matching certificate",
		"class", request.Name, "key", request.KeyID)
}

// SendRevoke asks the parent to revoke a key, after a key roll finished.
func (q *Requester) SendRevoke(ctx context.Context, caHandle, parent rpki.Handle,
	className string, ki rpki.KeyID) error {

	state, err := q.CAs.Get(caHandle)
	if err != nil {
		return err
	}
	child := state.(*ca.CertAuth)
	info, ok := child.Parents()[parent]
	if !ok {
		return serrors.New("parent not registered", "ca", caHandle, "parent", parent)
	}
	msg := provisioning.NewMessage(info.MyChildHandle, info.ParentHandle, provisioning.TypeRevoke)
	msg.Key = &provisioning.KeyElement{ClassName: className, SKI: encodeSKI(ki)}
	reply, err := q.exchange(ctx, child, info, msg)
	if err != nil {
		return err
	}
	if reply.Type != provisioning.TypeRevokeResponse {
		return serrors.New("unexpected reply", "type", reply.Type)
	}
	return nil
}

// exchange signs, posts, and authenticates one request/response pair.
func (q *Requester) exchange(ctx context.Context, child *ca.CertAuth,
	info *ca.ParentInfo, msg *provisioning.Message) (*provisioning.Message, error) {

	now := q.Clock()
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	idCert, err := child.IDCert()
	if err != nil {
		return nil, err
	}
	signer, err := q.Keys.Signer(child.IDKey())
	if err != nil {
		return nil, err
	}
	body, err := cms.Sign(q.Rand, cms.OIDContentXML, payload, idCert, signer, now)
	if err != nil {
		return nil, err
	}
	respBody, err := q.Post.Post(ctx, info.ContactURI, provisioning.ContentType, body)
	if err != nil {
		return nil, err
	}
	envelope, err := cms.Parse(respBody)
	if err != nil {
		return nil, serrors.Wrap("parsing response envelope", err)
	}
	parentID, err := x509.ParseCertificate(info.IDCertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing parent identity", err)
	}
	if err := envelope.VerifySigner(parentID); err != nil {
		return nil, serrors.Wrap("authenticating parent", err)
	}
	if d := now.Sub(envelope.SigningTime); d > MaxClockSkew || d < -MaxClockSkew {
		return nil, serrors.New("response signing time outside replay window",
			"signing_time", envelope.SigningTime)
	}
	reply, err := provisioning.Decode(envelope.Content)
	if err != nil {
		return nil, err
	}
	if reply.Type == provisioning.TypeError {
		return nil, serrors.New("parent rejected request",
			"status", reply.Status, "description", reply.Description)
	}
	return reply, nil
}

func (q *Requester) begin(caHandle, parent rpki.Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states == nil {
		q.states = make(map[string]requesterState)
	}
	if q.states[stateKey(caHandle, parent)] == stateAwaiting {
		return false
	}
	q.states[stateKey(caHandle, parent)] = stateAwaiting
	return true
}

func (q *Requester) end(caHandle, parent rpki.Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[stateKey(caHandle, parent)] = stateIdle
}

func stateKey(caHandle, parent rpki.Handle) string {
	return caHandle.String() + "/" + parent.String()
}
