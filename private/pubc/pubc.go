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

// Package pubc is the publication client used by CAs to push signed
// objects to a repository: either the embedded publication server via
// direct commands, or a remote server over the publication protocol
// (RFC 8181).
package pubc

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/publication"
	"github.com/krillpki/krill/pkg/scrypto/cms"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/pubd"
)

// Client pushes publication deltas for a publisher and reconciles state
// after a crash via the list query.
type Client interface {
	// List returns the publisher's currently published objects as a uri
	// to hex hash map.
	List(ctx context.Context, publisher rpki.Handle) (map[rpki.RsyncURI]string, error)
	// Publish applies a delta atomically. The intent id makes retries
	// idempotent.
	Publish(ctx context.Context, publisher rpki.Handle, intentID string,
		changes []pubd.Change) error
}

// Local publishes into the embedded publication server and syncs the
// served trees afterwards.
type Local struct {
	Repo   *aggregate.Processor
	Writer *pubd.Writer
	Handle rpki.Handle
}

// List implements Client.
func (l *Local) List(ctx context.Context, publisher rpki.Handle) (map[rpki.RsyncURI]string, error) {
	state, err := l.Repo.Get(l.Handle)
	if err != nil {
		return nil, err
	}
	repo := state.(*pubd.Repository)
	if repo.PublisherInfo(publisher) == nil {
		return nil, serrors.New("publisher not registered", "publisher", publisher)
	}
	return repo.ListObjects(publisher), nil
}

// Publish implements Client.
func (l *Local) Publish(ctx context.Context, publisher rpki.Handle, intentID string,
	changes []pubd.Change) error {

	cmd := pubd.DeltaCmd{Publisher: publisher, IntentID: intentID, Changes: changes}
	cmd.Repo = l.Handle
	state, events, err := l.Repo.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if len(events) == 0 || l.Writer == nil {
		return nil
	}
	return l.Writer.Sync(state.(*pubd.Repository))
}

// Remote publishes to a publication server over CMS-signed XML.
type Remote struct {
	// ServiceURI is the server's publication endpoint for this publisher.
	ServiceURI rpki.HTTPSURI
	// IDKey and IDCertDER are the publisher's exchange identity.
	IDKey     rpki.KeyID
	IDCertDER []byte
	// ServerIDCertDER pins the server's exchange identity.
	ServerIDCertDER []byte

	Keys  *keystore.Store
	Rand  io.Reader
	Clock func() time.Time
	// Post delivers request bodies; typically an HTTP poster.
	Post Poster
}

// Poster delivers a protocol request body and returns the response body.
type Poster interface {
	Post(ctx context.Context, uri rpki.HTTPSURI, contentType string, body []byte) ([]byte, error)
}

// List implements Client.
func (r *Remote) List(ctx context.Context, publisher rpki.Handle) (map[rpki.RsyncURI]string, error) {
	reply, err := r.exchange(ctx, publication.NewListQuery())
	if err != nil {
		return nil, err
	}
	out := make(map[rpki.RsyncURI]string, len(reply.Lists))
	for _, element := range reply.Lists {
		uri, err := rpki.ParseRsyncURI(element.URI)
		if err != nil {
			return nil, err
		}
		out[uri] = element.Hash
	}
	return out, nil
}

// Publish implements Client.
func (r *Remote) Publish(ctx context.Context, publisher rpki.Handle, intentID string,
	changes []pubd.Change) error {

	query := publication.NewQuery()
	for _, change := range changes {
		switch change.Op {
		case pubd.OpWithdraw:
			query.Withdraw = append(query.Withdraw, publication.Withdraw{
				Tag:  intentID,
				URI:  change.URI.String(),
				Hash: change.OldHash,
			})
		default:
			query.Publish = append(query.Publish, publication.Publish{
				Tag:    intentID,
				URI:    change.URI.String(),
				Hash:   change.OldHash,
				Base64: base64.StdEncoding.EncodeToString(change.Bytes),
			})
		}
	}
	reply, err := r.exchange(ctx, query)
	if err != nil {
		return err
	}
	if reply.Success == nil {
		return serrors.New("publication server did not report success")
	}
	return nil
}

func (r *Remote) exchange(ctx context.Context, msg *publication.Message) (*publication.Message, error) {
	now := r.Clock()
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	idCert, err := x509.ParseCertificate(r.IDCertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing publisher identity", err)
	}
	signer, err := r.Keys.Signer(r.IDKey)
	if err != nil {
		return nil, err
	}
	body, err := cms.Sign(r.Rand, cms.OIDContentXML, payload, idCert, signer, now)
	if err != nil {
		return nil, err
	}
	respBody, err := r.Post.Post(ctx, r.ServiceURI, publication.ContentType, body)
	if err != nil {
		return nil, err
	}
	envelope, err := cms.Parse(respBody)
	if err != nil {
		return nil, serrors.Wrap("parsing response envelope", err)
	}
	serverID, err := x509.ParseCertificate(r.ServerIDCertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing server identity", err)
	}
	if err := envelope.VerifySigner(serverID); err != nil {
		return nil, serrors.Wrap("authenticating publication server", err)
	}
	reply, err := publication.Decode(envelope.Content)
	if err != nil {
		return nil, err
	}
	if len(reply.Errors) > 0 {
		first := reply.Errors[0]
		return nil, serrors.New("publication server rejected query",
			"code", first.ErrorCode, "text", first.ErrorText)
	}
	return reply, nil
}

// DecodeBase64Content decodes the base64 character data of a publish
// element, tolerating line wrapping.
func DecodeBase64Content(s string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, serrors.Wrap("decoding base64 content", err)
	}
	return raw, nil
}
