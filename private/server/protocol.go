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

package server

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/provisioning"
	"github.com/krillpki/krill/pkg/rpki/publication"
	"github.com/krillpki/krill/pkg/scrypto/cms"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/pubc"
	"github.com/krillpki/krill/private/pubd"
)

// maxProtocolBody bounds the request size of protocol posts.
const maxProtocolBody = 32 << 20

// handleUpDown serves the provisioning protocol endpoint of a parent CA.
func (s *Server) handleUpDown(w http.ResponseWriter, r *http.Request) {
	parent, err := rpki.ParseHandle(chi.URLParam(r, "parent"))
	if err != nil {
		http.Error(w, "unknown parent", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProtocolBody))
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}
	response, err := s.Responder.Handle(r.Context(), parent, body)
	if err != nil {
		log.FromCtx(r.Context()).Info("Up-down request rejected",
			"parent", parent, "err", err)
		http.Error(w, "request rejected", http.StatusForbidden)
		return
	}
	// A command may have produced publication work.
	s.Scheduler.TriggerDrain()
	w.Header().Set("Content-Type", provisioning.ContentType)
	_, _ = w.Write(response)
}

// handlePublication serves the publication protocol endpoint for one
// publisher.
func (s *Server) handlePublication(w http.ResponseWriter, r *http.Request) {
	publisher, err := rpki.ParseHandle(chi.URLParam(r, "publisher"))
	if err != nil {
		http.Error(w, "unknown publisher", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProtocolBody))
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}
	response, err := s.publicationExchange(r.Context(), publisher, body)
	if err != nil {
		log.FromCtx(r.Context()).Info("Publication request rejected",
			"publisher", publisher, "err", err)
		http.Error(w, "request rejected", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", publication.ContentType)
	_, _ = w.Write(response)
}

func (s *Server) publicationExchange(ctx context.Context, publisher rpki.Handle,
	body []byte) ([]byte, error) {

	state, err := s.Repo.Get(pubd.DefaultHandle)
	if err != nil {
		return nil, err
	}
	repo := state.(*pubd.Repository)
	info := repo.PublisherInfo(publisher)
	if info == nil {
		return nil, serrors.New("publisher not registered", "publisher", publisher)
	}
	envelope, err := cms.Parse(body)
	if err != nil {
		return nil, err
	}
	publisherID, err := x509.ParseCertificate(info.IDCertDER)
	if err != nil {
		return nil, serrors.Wrap("parsing publisher identity", err)
	}
	if err := envelope.VerifySigner(publisherID); err != nil {
		return nil, serrors.Wrap("authenticating publisher", err)
	}
	now := time.Now()
	if d := now.Sub(envelope.SigningTime); d > time.Hour || d < -time.Hour {
		return nil, serrors.New("signing time outside replay window",
			"signing_time", envelope.SigningTime)
	}
	query, err := publication.Decode(envelope.Content)
	if err != nil {
		return nil, err
	}

	var reply *publication.Message
	switch {
	case query.IsList():
		elements := make([]publication.ListElement, 0, len(repo.ListObjects(publisher)))
		for _, ref := range sortedObjects(repo, publisher) {
			elements = append(elements, publication.ListElement{
				URI: ref.URI.String(), Hash: ref.Hash,
			})
		}
		reply = publication.NewListReply(elements)
	default:
		reply = s.applyPublishQuery(ctx, publisher, query)
	}
	return s.signPublicationReply(repo, reply, now)
}

func (s *Server) applyPublishQuery(ctx context.Context, publisher rpki.Handle,
	query *publication.Message) *publication.Message {

	changes := make([]pubd.Change, 0, len(query.Publish)+len(query.Withdraw))
	intentID := ""
	for _, p := range query.Publish {
		content, err := pubc.DecodeBase64Content(p.Base64)
		if err != nil {
			return publication.NewErrorReply(publication.ErrXMLError, err.Error())
		}
		op := pubd.OpPublish
		if p.Hash != "" {
			op = pubd.OpUpdate
		}
		changes = append(changes, pubd.Change{
			Op: op, URI: rpki.RsyncURI(p.URI), OldHash: p.Hash, Bytes: content,
		})
		if p.Tag != "" {
			intentID = p.Tag
		}
	}
	for _, wd := range query.Withdraw {
		changes = append(changes, pubd.Change{
			Op: pubd.OpWithdraw, URI: rpki.RsyncURI(wd.URI), OldHash: wd.Hash,
		})
		if wd.Tag != "" {
			intentID = wd.Tag
		}
	}
	cmd := pubd.DeltaCmd{Publisher: publisher, IntentID: intentID, Changes: changes}
	cmd.Repo = pubd.DefaultHandle
	state, events, err := s.Repo.Send(ctx, cmd)
	if err != nil {
		return publication.NewErrorReply(publicationErrorCode(err), err.Error())
	}
	if len(events) > 0 {
		if err := s.Writer.Sync(state.(*pubd.Repository)); err != nil {
			log.FromCtx(ctx).Error("Syncing repository trees failed", "err", err)
		}
	}
	return publication.NewSuccessReply()
}

func publicationErrorCode(err error) string {
	switch aggregate.KindOf(err) {
	case aggregate.KindURIOutsideBase:
		return publication.ErrPermissionFailure
	case aggregate.KindAlreadyExists:
		return publication.ErrObjectAlreadyPresent
	case aggregate.KindNotFound:
		return publication.ErrNoObjectPresent
	case aggregate.KindHashMismatch:
		return publication.ErrNoObjectMatchingHash
	default:
		return publication.ErrOtherError
	}
}

func (s *Server) signPublicationReply(repo *pubd.Repository,
	reply *publication.Message, now time.Time) ([]byte, error) {

	payload, err := reply.Encode()
	if err != nil {
		return nil, err
	}
	idCert, err := repo.IDCert()
	if err != nil {
		return nil, err
	}
	signer, err := s.Keys.Signer(repo.IDKey())
	if err != nil {
		return nil, err
	}
	return cms.Sign(rand.Reader, cms.OIDContentXML, payload, idCert, signer, now)
}

func sortedObjects(repo *pubd.Repository, publisher rpki.Handle) []pubd.ObjectRef {
	objects := repo.ListObjects(publisher)
	refs := make([]pubd.ObjectRef, 0, len(objects))
	for uri, hash := range objects {
		refs = append(refs, pubd.ObjectRef{URI: uri, Hash: hash})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs
}

// encodeIDCert renders an identity certificate for JSON transport.
func encodeIDCert(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}
