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

// Package server assembles the daemon: stores, aggregates, protocol
// engines, the scheduler, and the HTTP surface for the up-down,
// publication and RRDP endpoints plus the admin API.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/metrics"
	"github.com/krillpki/krill/pkg/private/prom"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/audit"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/config"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/pubc"
	"github.com/krillpki/krill/private/pubd"
	"github.com/krillpki/krill/private/scheduler"
	"github.com/krillpki/krill/private/updown"
)

// Server is the assembled daemon.
type Server struct {
	cfg *config.Config

	Keys      *keystore.Store
	CAs       *aggregate.Processor
	Repo      *aggregate.Processor
	Writer    *pubd.Writer
	Scheduler *scheduler.Scheduler
	Requester *updown.Requester
	Responder *updown.Responder
	Audit     *audit.Store

	router chi.Router
}

// New builds a server over the data directory described by cfg.
func New(cfg *config.Config) (*Server, error) {
	dataDir := cfg.General.DataDir
	keys, err := keystore.New(filepath.Join(dataDir, "keys"), rand.Reader)
	if err != nil {
		return nil, err
	}
	caStore, err := eventstore.New(filepath.Join(dataDir, "cas"))
	if err != nil {
		return nil, err
	}
	repoStore, err := eventstore.New(filepath.Join(dataDir, "pubd"))
	if err != nil {
		return nil, err
	}
	auditStore, err := audit.New(filepath.Join(dataDir, "audit.db"), nil)
	if err != nil {
		return nil, err
	}

	commandCounter := metrics.NewPromCounter(prom.SafeRegister(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "krill",
			Name:      "commands_total",
			Help:      "Processed aggregate commands.",
		},
		[]string{prom.LabelOperation, prom.LabelResult},
	)).(*prometheus.CounterVec))
	timing := ca.Timing{
		ObjectValidity:     cfg.Timing.ObjectValidity.Duration,
		Skew:               5 * time.Minute,
		IssuedCertValidity: cfg.Timing.IssuedCertValidity.Duration,
		KeyRollStage:       cfg.Timing.KeyRollStage.Duration,
		KeyRollQuiet:       cfg.Timing.KeyRollQuiet.Duration,
	}
	cas := aggregate.NewProcessor(caStore, ca.Factory{
		Keys: keys, Rand: rand.Reader, Timing: timing,
	}, aggregate.Config{
		Metrics: aggregate.Metrics{Commands: commandCounter},
		Audit:   auditStore,
	})
	repo := aggregate.NewProcessor(repoStore, pubd.Factory{
		Keys: keys, Rand: rand.Reader,
	}, aggregate.Config{
		Metrics: aggregate.Metrics{Commands: commandCounter},
		Audit:   auditStore,
	})

	writer := &pubd.Writer{
		RRDPDir:  filepath.Join(dataDir, "repo", "rrdp"),
		RsyncDir: filepath.Join(dataDir, "repo", "rsync"),
		RRDPBase: cfg.Repository.RRDPBaseURI,
		Logger:   log.New("component", "rrdp-writer"),
	}
	requester := &updown.Requester{
		CAs: cas, Keys: keys, Rand: rand.Reader, Clock: time.Now,
		Post: &updown.HTTPPoster{Client: &http.Client{}},
	}
	responder := &updown.Responder{
		CAs: cas, Keys: keys, Rand: rand.Reader, Clock: time.Now,
	}
	client := &pubc.Local{Repo: repo, Writer: writer, Handle: pubd.DefaultHandle}
	sched := scheduler.New(cas, keys, client, requester, time.Now, scheduler.Intervals{
		Drain:     time.Second,
		Republish: cfg.Schedule.Republish.Duration,
		Refresh:   cfg.Schedule.Refresh.Duration,
	}, log.New("component", "scheduler"))
	cas.Subscribe(sched)

	s := &Server{
		cfg:       cfg,
		Keys:      keys,
		CAs:       cas,
		Repo:      repo,
		Writer:    writer,
		Scheduler: sched,
		Requester: requester,
		Responder: responder,
		Audit:     auditStore,
	}
	s.router = s.buildRouter()
	return s, nil
}

// InitRepository creates the embedded publication server aggregate if it
// does not exist yet.
func (s *Server) InitRepository(ctx context.Context) error {
	exists, err := s.Repo.Exists(pubd.DefaultHandle)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var cmd pubd.InitCmd
	cmd.Repo = pubd.DefaultHandle
	_, _, err = s.Repo.Send(ctx, cmd)
	return err
}

// Run serves HTTP and runs the background jobs until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Writer.CleanTemp(); err != nil {
		return err
	}
	if s.cfg.Repository.Enabled {
		if err := s.InitRepository(ctx); err != nil {
			return err
		}
		// Rebuild the served trees so they match the recovered state.
		state, err := s.Repo.Get(pubd.DefaultHandle)
		if err != nil {
			return err
		}
		if err := s.Writer.Sync(state.(*pubd.Repository)); err != nil {
			return err
		}
	}
	if err := s.Scheduler.Recover(ctx); err != nil {
		return err
	}
	s.Scheduler.Start()
	defer s.Scheduler.Stop()

	httpServer := &http.Server{
		Addr:    s.cfg.HTTP.Addr,
		Handler: s.router,
	}
	g, errCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer log.HandlePanic()
		log.Info("HTTP server listening", "addr", s.cfg.HTTP.Addr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return serrors.Wrap("serving HTTP", err)
	})
	g.Go(func() error {
		defer log.HandlePanic()
		<-errCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Router exposes the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/rfc6492/{parent}", s.handleUpDown)
	r.Post("/rfc8181/{publisher}", s.handlePublication)
	r.Handle("/rrdp/*", http.StripPrefix("/rrdp/",
		http.FileServer(http.Dir(s.Writer.RRDPDir))))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/cas", s.handleListCAs)
		r.Post("/cas", s.handleInitCA)
		r.Get("/cas/{ca}", s.handleShowCA)
		r.Get("/cas/{ca}/history", s.handleHistory)
		r.Post("/cas/{ca}/children", s.handleAddChild)
		r.Post("/cas/{ca}/parents", s.handleAddParent)
		r.Post("/cas/{ca}/roas", s.handleROAs)
		r.Post("/cas/{ca}/keyroll/{action}", s.handleKeyRoll)
		r.Get("/publishers", s.handleListPublishers)
		r.Post("/publishers", s.handleAddPublisher)
		r.Get("/publishers/{publisher}", s.handleShowPublisher)
		r.Delete("/publishers/{publisher}", s.handleRemovePublisher)
	})
	return r
}
