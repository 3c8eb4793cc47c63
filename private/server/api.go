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
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/resources"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/pubd"
)

// API wire types. Commands mirror the aggregate commands; responses
// report the resulting version and event types.

// ResourcesJSON is the three-part resource set representation.
type ResourcesJSON struct {
	ASN  string `json:"asn"`
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

func (r ResourcesJSON) parse() (resources.Set, error) {
	return resources.Parse(r.ASN, r.IPv4, r.IPv6)
}

// CommandResult reports an accepted command.
type CommandResult struct {
	Handle  string   `json:"handle"`
	Version uint64   `json:"version"`
	Events  []string `json:"events"`
}

// ErrorResponse is the stable error shape of rejected commands.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CASummary is the query shape of a CA.
type CASummary struct {
	Handle          string          `json:"handle"`
	Version         uint64          `json:"version"`
	IDCert          string          `json:"id_cert"`
	Parents         []string        `json:"parents"`
	Children        []string        `json:"children"`
	ResourceClasses []ClassSummary  `json:"resource_classes"`
	ROAs            []RouteAuthJSON `json:"roas"`
	PendingPublish  int             `json:"pending_publish"`
	PendingRequests int             `json:"pending_requests"`
	LastFailure     string          `json:"last_failure,omitempty"`
}

// ClassSummary is the query shape of a resource class.
type ClassSummary struct {
	Name      string        `json:"name"`
	Parent    string        `json:"parent"`
	Resources ResourcesJSON `json:"resources"`
	Keys      []KeySummary  `json:"keys"`
}

// KeySummary is the query shape of one key slot.
type KeySummary struct {
	KeyID      string `json:"key_id"`
	State      string `json:"state"`
	MFTNumber  uint64 `json:"mft_number"`
	CRLNumber  uint64 `json:"crl_number"`
	NextUpdate string `json:"next_update,omitempty"`
	Objects    int    `json:"objects"`
}

// RouteAuthJSON is the wire form of a route authorization.
type RouteAuthJSON struct {
	ASN       uint32 `json:"asn"`
	Prefix    string `json:"prefix"`
	MaxLength int    `json:"max_length"`
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.General.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized,
				&ErrorResponse{Kind: "unauthorized", Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	handles, err := s.CAs.List()
	if err != nil {
		writeCommandError(w, err)
		return
	}
	failures := make(map[string]string)
	for _, h := range handles {
		if msg, failed := s.Scheduler.Failure(h); failed {
			failures[h.String()] = msg
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "failures": failures})
}

func (s *Server) handleListCAs(w http.ResponseWriter, r *http.Request) {
	handles, err := s.CAs.List()
	if err != nil {
		writeCommandError(w, err)
		return
	}
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		names = append(names, h.String())
	}
	writeJSON(w, http.StatusOK, map[string][]string{"cas": names})
}

func (s *Server) handleInitCA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle      string `json:"handle"`
		TrustAnchor bool   `json:"trust_anchor"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	handle, err := rpki.ParseHandle(req.Handle)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return
	}
	cmd := ca.InitCmd{
		Repo: ca.RepoInfo{
			SIABase:   s.cfg.Repository.RsyncBaseURI.Join(handle.String()),
			NotifyURI: s.cfg.Repository.RRDPBaseURI.Join("notification.xml"),
		},
		TrustAnchor: req.TrustAnchor,
	}
	cmd.CA = handle
	state, events, err := s.CAs.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	// Register the new CA as a publisher of the embedded repository.
	if s.cfg.Repository.Enabled {
		certAuth := state.(*ca.CertAuth)
		idCert, err := certAuth.IDCert()
		if err == nil {
			add := pubd.AddPublisherCmd{
				Publisher: handle,
				IDCertDER: idCert.Raw,
				BaseURI:   cmd.Repo.SIABase,
			}
			add.Repo = pubd.DefaultHandle
			if _, _, err := s.Repo.Send(r.Context(), add); err != nil {
				writeCommandError(w, err)
				return
			}
		}
	}
	s.Scheduler.TriggerDrain()
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) handleShowCA(w http.ResponseWriter, r *http.Request) {
	handle, err := rpki.ParseHandle(chi.URLParam(r, "ca"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown CA"})
		return
	}
	state, err := s.CAs.Get(handle)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	certAuth := state.(*ca.CertAuth)
	summary := CASummary{
		Handle:  handle.String(),
		Version: certAuth.Version(),
	}
	if idCert, err := certAuth.IDCert(); err == nil {
		summary.IDCert = encodeIDCert(idCert.Raw)
	}
	for parent := range certAuth.Parents() {
		summary.Parents = append(summary.Parents, parent.String())
	}
	for _, child := range certAuth.ChildHandles() {
		summary.Children = append(summary.Children, child.String())
	}
	for _, name := range certAuth.ResourceClasses() {
		rc := certAuth.ResourceClass(name)
		classSummary := ClassSummary{
			Name:   name,
			Parent: rc.ParentHandle.String(),
		}
		if rc.CurrentKey != nil {
			classSummary.Resources = ResourcesJSON{
				ASN:  rc.CurrentKey.Resources.ASNString(),
				IPv4: rc.CurrentKey.Resources.V4String(),
				IPv6: rc.CurrentKey.Resources.V6String(),
			}
		}
		for _, key := range []*ca.CertifiedKey{rc.PendingKey, rc.CurrentKey, rc.OldKey} {
			if key == nil {
				continue
			}
			keySummary := KeySummary{
				KeyID:     key.KeyID.String(),
				State:     string(key.State),
				MFTNumber: key.MFTNumber,
				CRLNumber: key.CRLNumber,
				Objects:   len(key.Objects),
			}
			if !key.NextUpdate.IsZero() {
				keySummary.NextUpdate = key.NextUpdate.UTC().Format("2006-01-02T15:04:05Z")
			}
			classSummary.Keys = append(classSummary.Keys, keySummary)
		}
		summary.ResourceClasses = append(summary.ResourceClasses, classSummary)
	}
	for _, auth := range certAuth.RouteAuths() {
		summary.ROAs = append(summary.ROAs, RouteAuthJSON{
			ASN:       uint32(auth.ASN),
			Prefix:    auth.Prefix,
			MaxLength: auth.MaxLength,
		})
	}
	summary.PendingPublish = len(certAuth.PendingPublishes())
	summary.PendingRequests = len(certAuth.PendingRequests())
	if failure, ok := s.Scheduler.Failure(handle); ok {
		summary.LastFailure = failure
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	handle, err := rpki.ParseHandle(chi.URLParam(r, "ca"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown CA"})
		return
	}
	records, err := s.Audit.List(r.Context(), handle, 100)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": records})
}

func (s *Server) handleAddChild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Child     string        `json:"child"`
		IDCert    string        `json:"id_cert"`
		Resources ResourcesJSON `json:"resources"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	handle, child, ok := s.twoHandles(w, chi.URLParam(r, "ca"), req.Child)
	if !ok {
		return
	}
	idCert, err := base64.StdEncoding.DecodeString(req.IDCert)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "id_cert is not base64"})
		return
	}
	set, err := req.Resources.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return
	}
	cmd := ca.AddChildCmd{Child: child, IDCertDER: idCert, Resources: set}
	cmd.CA = handle
	state, events, err := s.CAs.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) handleAddParent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parent       string `json:"parent"`
		ContactURI   string `json:"contact_uri"`
		ParentHandle string `json:"parent_handle"`
		ChildHandle  string `json:"child_handle"`
		IDCert       string `json:"id_cert"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	handle, parent, ok := s.twoHandles(w, chi.URLParam(r, "ca"), req.Parent)
	if !ok {
		return
	}
	idCert, err := base64.StdEncoding.DecodeString(req.IDCert)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "id_cert is not base64"})
		return
	}
	contact, err := rpki.ParseHTTPSURI(req.ContactURI)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return
	}
	cmd := ca.AddParentCmd{
		Parent: parent,
		Info: ca.ParentInfo{
			ContactURI:    contact,
			ParentHandle:  rpki.Handle(req.ParentHandle),
			MyChildHandle: rpki.Handle(req.ChildHandle),
			IDCertDER:     idCert,
		},
	}
	cmd.CA = handle
	state, events, err := s.CAs.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.Scheduler.TriggerDrain()
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) handleROAs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Added   []RouteAuthJSON `json:"added"`
		Removed []RouteAuthJSON `json:"removed"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	handle, err := rpki.ParseHandle(chi.URLParam(r, "ca"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown CA"})
		return
	}
	toAuths := func(in []RouteAuthJSON) []ca.RouteAuth {
		out := make([]ca.RouteAuth, 0, len(in))
		for _, a := range in {
			out = append(out, ca.RouteAuth{
				ASN:       resources.ASN(a.ASN),
				Prefix:    a.Prefix,
				MaxLength: a.MaxLength,
			})
		}
		return out
	}
	var state aggregate.Aggregate
	var allEvents []eventstore.Event
	if len(req.Removed) > 0 {
		cmd := ca.RemoveROACmd{Auths: toAuths(req.Removed)}
		cmd.CA = handle
		var events []eventstore.Event
		var err error
		state, events, err = s.CAs.Send(r.Context(), cmd)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		allEvents = append(allEvents, events...)
	}
	if len(req.Added) > 0 {
		cmd := ca.AddROACmd{Auths: toAuths(req.Added)}
		cmd.CA = handle
		var events []eventstore.Event
		var err error
		state, events, err = s.CAs.Send(r.Context(), cmd)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		allEvents = append(allEvents, events...)
	}
	if state == nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "empty ROA update"})
		return
	}
	s.Scheduler.TriggerDrain()
	writeJSON(w, http.StatusOK, commandResult(state, allEvents))
}

func (s *Server) handleKeyRoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class string `json:"class"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	handle, err := rpki.ParseHandle(chi.URLParam(r, "ca"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown CA"})
		return
	}
	var cmd aggregate.Command
	switch chi.URLParam(r, "action") {
	case "init":
		c := ca.StartKeyRollCmd{Name: req.Class}
		c.CA = handle
		cmd = c
	case "activate":
		c := ca.ActivateKeyRollCmd{Name: req.Class}
		c.CA = handle
		cmd = c
	case "finish":
		c := ca.FinishKeyRollCmd{Name: req.Class}
		c.CA = handle
		cmd = c
	default:
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "unknown key roll action"})
		return
	}
	state, events, err := s.CAs.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	s.Scheduler.TriggerDrain()
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	state, err := s.Repo.Get(pubd.DefaultHandle)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	repo := state.(*pubd.Repository)
	names := make([]string, 0)
	for _, h := range repo.PublisherNames() {
		names = append(names, h.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": repo.SessionID(),
		"serial":     repo.Serial(),
		"publishers": names,
	})
}

func (s *Server) handleAddPublisher(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Publisher string `json:"publisher"`
		IDCert    string `json:"id_cert"`
		BaseURI   string `json:"base_uri"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	publisher, err := rpki.ParseHandle(req.Publisher)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return
	}
	idCert, err := base64.StdEncoding.DecodeString(req.IDCert)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "id_cert is not base64"})
		return
	}
	base, err := rpki.ParseRsyncURI(req.BaseURI)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return
	}
	cmd := pubd.AddPublisherCmd{Publisher: publisher, IDCertDER: idCert, BaseURI: base}
	cmd.Repo = pubd.DefaultHandle
	state, events, err := s.Repo.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) handleShowPublisher(w http.ResponseWriter, r *http.Request) {
	publisher, err := rpki.ParseHandle(chi.URLParam(r, "publisher"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown publisher"})
		return
	}
	state, err := s.Repo.Get(pubd.DefaultHandle)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	repo := state.(*pubd.Repository)
	if repo.PublisherInfo(publisher) == nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown publisher"})
		return
	}
	objects := make(map[string]string)
	for uri, hash := range repo.ListObjects(publisher) {
		objects[uri.String()] = hash
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"publisher": publisher.String(),
		"base_uri":  repo.PublisherInfo(publisher).BaseURI.String(),
		"objects":   objects,
	})
}

func (s *Server) handleRemovePublisher(w http.ResponseWriter, r *http.Request) {
	publisher, err := rpki.ParseHandle(chi.URLParam(r, "publisher"))
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown publisher"})
		return
	}
	cmd := pubd.RemovePublisherCmd{Publisher: publisher}
	cmd.Repo = pubd.DefaultHandle
	state, events, err := s.Repo.Send(r.Context(), cmd)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if err := s.Writer.Sync(state.(*pubd.Repository)); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResult(state, events))
}

func (s *Server) twoHandles(w http.ResponseWriter, first, second string) (rpki.Handle, rpki.Handle, bool) {
	a, err := rpki.ParseHandle(first)
	if err != nil {
		writeError(w, http.StatusNotFound,
			&ErrorResponse{Kind: aggregate.KindUnknownHandle, Message: "unknown CA"})
		return "", "", false
	}
	b, err := rpki.ParseHandle(second)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: err.Error()})
		return "", "", false
	}
	return a, b, true
}

func commandResult(state aggregate.Aggregate, events []eventstore.Event) CommandResult {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return CommandResult{
		Handle:  state.Handle().String(),
		Version: state.Version(),
		Events:  types,
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest,
			&ErrorResponse{Kind: aggregate.KindMalformed, Message: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body *ErrorResponse) {
	writeJSON(w, status, body)
}

func writeCommandError(w http.ResponseWriter, err error) {
	kind := aggregate.KindOf(err)
	status := http.StatusBadRequest
	switch kind {
	case aggregate.KindUnknownHandle, aggregate.KindNotFound:
		status = http.StatusNotFound
	case aggregate.KindAlreadyExists:
		status = http.StatusConflict
	case "":
		kind = "internal"
		status = http.StatusInternalServerError
		if errors.Is(err, eventstore.ErrNotFound) {
			kind = aggregate.KindUnknownHandle
			status = http.StatusNotFound
		}
	}
	writeError(w, status, &ErrorResponse{Kind: kind, Message: err.Error()})
}
