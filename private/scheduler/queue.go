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

// Package scheduler connects the aggregates: it listens for CA events,
// turns them into follow-up work (publication pushes, parent syncs,
// revocations), and drives the time-based jobs (republication sweeps,
// entitlement refresh). Failed items are retried with exponential
// backoff.
package scheduler

import (
	"sync"
	"time"

	"github.com/krillpki/krill/pkg/rpki"
)

// Item is one queued unit of work.
type Item struct {
	// Kind discriminates the variants below.
	Kind ItemKind
	// CA is the aggregate the work belongs to.
	CA rpki.Handle
	// Parent for parent-directed work.
	Parent rpki.Handle
	// IntentID for publication pushes.
	IntentID string
	// Class and KeyID for key revocations.
	Class string
	KeyID rpki.KeyID

	// NotBefore delays retried items.
	NotBefore time.Time
}

// ItemKind is the work discriminator.
type ItemKind string

// Work kinds.
const (
	// KindPublish pushes an unconfirmed publication intent.
	KindPublish ItemKind = "publish"
	// KindSyncParent fetches entitlements from a parent.
	KindSyncParent ItemKind = "sync-parent"
	// KindSendRequests pushes pending certificate requests.
	KindSendRequests ItemKind = "send-requests"
	// KindRevokeKey asks the parent to revoke a retired key and destroys
	// its material.
	KindRevokeKey ItemKind = "revoke-key"
)

// key dedupes queued items.
func (i Item) key() string {
	return string(i.Kind) + "/" + i.CA.String() + "/" + i.Parent.String() + "/" +
		i.IntentID + "/" + i.Class + "/" + i.KeyID.String()
}

// queue is an in-memory work queue with per-item due times and
// deduplication.
type queue struct {
	mu    sync.Mutex
	items []Item
	seen  map[string]bool
}

func newQueue() *queue {
	return &queue{seen: make(map[string]bool)}
}

// push enqueues an item unless an identical one is already queued.
func (q *queue) push(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[item.key()] {
		return
	}
	q.seen[item.key()] = true
	q.items = append(q.items, item)
}

// pop returns the next due item, or false if none is due.
func (q *queue) pop(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.NotBefore.After(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		delete(q.seen, item.key())
		return item, true
	}
	return Item{}, false
}

// len reports the number of queued items.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
