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

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/keystore"
	"github.com/krillpki/krill/private/periodic"
	"github.com/krillpki/krill/private/pubc"
	"github.com/krillpki/krill/private/pubd"
	"github.com/krillpki/krill/private/updown"
)

// Intervals configures the periodic jobs.
type Intervals struct {
	// Drain is the queue drain cadence.
	Drain time.Duration
	// Republish is the MFT/CRL staleness sweep cadence.
	Republish time.Duration
	// Refresh is the parent entitlement refresh cadence.
	Refresh time.Duration
}

// DefaultIntervals returns the default job cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		Drain:     time.Second,
		Republish: time.Hour,
		Refresh:   10 * time.Minute,
	}
}

// backoff retry bounds.
const (
	initialRetryDelay = 10 * time.Second
	maxRetryDelay     = time.Hour
)

// Scheduler drives the cross-aggregate work.
type Scheduler struct {
	CAs       *aggregate.Processor
	Keys      *keystore.Store
	PubClient pubc.Client
	Requester *updown.Requester
	Clock     func() time.Time
	Intervals Intervals
	Logger    log.Logger

	queue   *queue
	runners []*periodic.Runner

	mu     sync.Mutex
	delays map[string]time.Duration

	// failures records the last error per CA for the status query.
	failures sync.Map
}

// New creates a scheduler; Subscribe it on the CA processor before use.
func New(cas *aggregate.Processor, keys *keystore.Store, client pubc.Client,
	requester *updown.Requester, clock func() time.Time, intervals Intervals,
	logger log.Logger) *Scheduler {

	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		CAs:       cas,
		Keys:      keys,
		PubClient: client,
		Requester: requester,
		Clock:     clock,
		Intervals: intervals,
		Logger:    logger,
		queue:     newQueue(),
		delays:    make(map[string]time.Duration),
	}
}

// HandleEvents implements aggregate.Listener: CA events of interest
// become queued work.
func (s *Scheduler) HandleEvents(events []eventstore.Event) {
	for _, event := range events {
		switch event.Type {
		case ca.EvtObjectsPublished:
			var e ca.ObjectsPublishedEvent
			if json.Unmarshal(event.Data, &e) == nil {
				s.queue.push(Item{
					Kind:     KindPublish,
					CA:       event.Handle,
					IntentID: e.Intent.IntentID,
				})
			}
		case ca.EvtParentAdded:
			var e ca.ParentAddedEvent
			if json.Unmarshal(event.Data, &e) == nil {
				s.queue.push(Item{
					Kind:   KindSyncParent,
					CA:     event.Handle,
					Parent: e.Parent,
				})
			}
		case ca.EvtCertRequested:
			s.queue.push(Item{Kind: KindSendRequests, CA: event.Handle})
		case ca.EvtKeyRollFinished:
			var e ca.KeyRollFinishedEvent
			if json.Unmarshal(event.Data, &e) == nil {
				s.queue.push(Item{
					Kind:  KindRevokeKey,
					CA:    event.Handle,
					Class: e.Name,
					KeyID: e.KeyID,
				})
			}
		}
	}
}

// Recover re-inspects all CAs after a restart: unconfirmed publication
// intents and outstanding certificate requests are queued again.
func (s *Scheduler) Recover(ctx context.Context) error {
	handles, err := s.CAs.List()
	if err != nil {
		return err
	}
	for _, handle := range handles {
		state, err := s.CAs.Get(handle)
		if err != nil {
			return serrors.Wrap("loading CA for recovery", err, "handle", handle)
		}
		certAuth := state.(*ca.CertAuth)
		for _, intent := range certAuth.PendingPublishes() {
			s.queue.push(Item{Kind: KindPublish, CA: handle, IntentID: intent.IntentID})
		}
		if len(certAuth.PendingRequests()) > 0 {
			s.queue.push(Item{Kind: KindSendRequests, CA: handle})
		}
	}
	return nil
}

// Start launches the periodic jobs. Stop tears them down.
func (s *Scheduler) Start() {
	s.runners = []*periodic.Runner{
		periodic.Start(taskFunc{name: "queue_drain", fn: s.Drain},
			s.Intervals.Drain, s.Intervals.Drain*10+time.Minute),
		periodic.Start(taskFunc{name: "republish_sweep", fn: s.republishSweep},
			s.Intervals.Republish, 15*time.Minute),
		periodic.Start(taskFunc{name: "parent_refresh", fn: s.parentRefresh},
			s.Intervals.Refresh, 15*time.Minute),
	}
}

// Stop terminates the periodic jobs.
func (s *Scheduler) Stop() {
	for _, r := range s.runners {
		r.Kill()
	}
}

// TriggerDrain requests an immediate queue drain, e.g. right after a
// command produced events.
func (s *Scheduler) TriggerDrain() {
	if len(s.runners) > 0 {
		s.runners[0].TriggerRun()
	}
}

type taskFunc struct {
	name string
	fn   func(context.Context)
}

func (t taskFunc) Name() string            { return t.name }
func (t taskFunc) Run(ctx context.Context) { t.fn(ctx) }

// Drain processes all due queue items.
func (s *Scheduler) Drain(ctx context.Context) {
	logger := s.logger()
	for {
		item, ok := s.queue.pop(s.Clock())
		if !ok {
			return
		}
		if err := s.process(ctx, item); err != nil {
			logger.Info("Scheduled work failed, will retry",
				"kind", item.Kind, "ca", item.CA, "err", err)
			s.failures.Store(item.CA, err.Error())
			s.retry(item)
			continue
		}
		s.failures.Delete(item.CA)
		s.resetDelay(item)
	}
}

func (s *Scheduler) process(ctx context.Context, item Item) error {
	switch item.Kind {
	case KindPublish:
		return s.publish(ctx, item)
	case KindSyncParent:
		return s.Requester.SyncParent(ctx, item.CA, item.Parent)
	case KindSendRequests:
		return s.sendRequests(ctx, item.CA)
	case KindRevokeKey:
		return s.revokeKey(ctx, item)
	default:
		return serrors.New("unknown work kind", "kind", item.Kind)
	}
}

// publish pushes one unconfirmed intent to the repository and confirms
// it on the CA.
func (s *Scheduler) publish(ctx context.Context, item Item) error {
	state, err := s.CAs.Get(item.CA)
	if err != nil {
		return err
	}
	certAuth := state.(*ca.CertAuth)
	var intent *ca.PublishIntent
	for _, pending := range certAuth.PendingPublishes() {
		if pending.IntentID == item.IntentID {
			intent = pending
			break
		}
	}
	if intent == nil {
		// Already confirmed; nothing to do.
		return nil
	}
	changes := make([]pubd.Change, 0, len(intent.Changes))
	for _, change := range intent.Changes {
		changes = append(changes, pubd.Change{
			Op:      change.Op,
			URI:     change.URI,
			OldHash: change.OldHash,
			Bytes:   change.Bytes,
		})
	}
	if err := s.PubClient.Publish(ctx, item.CA, intent.IntentID, changes); err != nil {
		return err
	}
	confirm := ca.ConfirmPublishCmd{IntentID: intent.IntentID}
	confirm.CA = item.CA
	_, _, err = s.CAs.Send(ctx, confirm)
	return err
}

func (s *Scheduler) sendRequests(ctx context.Context, handle rpki.Handle) error {
	state, err := s.CAs.Get(handle)
	if err != nil {
		return err
	}
	certAuth := state.(*ca.CertAuth)
	parents := make(map[rpki.Handle]bool)
	for _, request := range certAuth.PendingRequests() {
		// Requests in self-signed classes have no remote parent.
		if request.Parent == handle || request.Parent == "" {
			continue
		}
		parents[request.Parent] = true
	}
	var errs serrors.List
	for parent := range parents {
		if err := s.Requester.SendPendingRequests(ctx, handle, parent); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ToError()
}

// revokeKey tells the parent the retired key is gone and destroys its
// material. The key store holds nothing sacred once the final CRL is
// out.
func (s *Scheduler) revokeKey(ctx context.Context, item Item) error {
	state, err := s.CAs.Get(item.CA)
	if err != nil {
		return err
	}
	certAuth := state.(*ca.CertAuth)
	rc := certAuth.ResourceClass(item.Class)
	if rc != nil && rc.ParentHandle != item.CA && rc.ParentHandle != "" {
		if err := s.Requester.SendRevoke(ctx, item.CA, rc.ParentHandle,
			item.Class, item.KeyID); err != nil {
			return err
		}
	}
	return s.Keys.Destroy(item.KeyID)
}

// republishSweep re-signs stale manifests and CRLs on all CAs.
func (s *Scheduler) republishSweep(ctx context.Context) {
	logger := s.logger()
	handles, err := s.CAs.List()
	if err != nil {
		logger.Error("Listing CAs for republication failed", "err", err)
		return
	}
	for _, handle := range handles {
		cmd := ca.RepublishCmd{}
		cmd.CA = handle
		if _, _, err := s.CAs.Send(ctx, cmd); err != nil {
			logger.Error("Republication failed", "ca", handle, "err", err)
			s.failures.Store(handle, err.Error())
		}
	}
	s.Drain(ctx)
}

// parentRefresh re-fetches entitlements from every registered parent.
func (s *Scheduler) parentRefresh(ctx context.Context) {
	logger := s.logger()
	handles, err := s.CAs.List()
	if err != nil {
		logger.Error("Listing CAs for refresh failed", "err", err)
		return
	}
	for _, handle := range handles {
		state, err := s.CAs.Get(handle)
		if err != nil {
			continue
		}
		for parent := range state.(*ca.CertAuth).Parents() {
			if parent == handle {
				continue
			}
			s.queue.push(Item{Kind: KindSyncParent, CA: handle, Parent: parent})
		}
	}
	s.Drain(ctx)
}

// Failure returns the last recorded scheduler failure for a CA, if any.
func (s *Scheduler) Failure(handle rpki.Handle) (string, bool) {
	v, ok := s.failures.Load(handle)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *Scheduler) retry(item Item) {
	s.mu.Lock()
	delay := s.delays[item.key()]
	if delay == 0 {
		delay = initialRetryDelay
	} else {
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	s.delays[item.key()] = delay
	s.mu.Unlock()

	item.NotBefore = s.Clock().Add(delay)
	s.queue.push(item)
}

func (s *Scheduler) resetDelay(item Item) {
	s.mu.Lock()
	delete(s.delays, item.key())
	s.mu.Unlock()
}

func (s *Scheduler) logger() log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Root()
}
