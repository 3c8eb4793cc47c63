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

// Package audit records accepted commands in a sqlite history. The
// history is for operators; replay never reads it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/private/aggregate"
	"github.com/krillpki/krill/private/eventstore"
	"github.com/krillpki/krill/private/storage/db"
)

const (
	schemaVersion = 1
	schema        = `
CREATE TABLE commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	handle TEXT NOT NULL,
	version INTEGER NOT NULL,
	kind TEXT NOT NULL,
	summary TEXT NOT NULL,
	payload TEXT NOT NULL,
	events INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX idx_commands_handle ON commands (handle, id);
`
)

// Record is one stored command.
type Record struct {
	ID         int64     `json:"id"`
	Handle     string    `json:"handle"`
	Version    uint64    `json:"version"`
	Kind       string    `json:"kind"`
	Summary    string    `json:"summary"`
	Payload    string    `json:"payload"`
	Events     int       `json:"events"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the sqlite backed command history.
type Store struct {
	db    *db.Sqlite
	clock func() time.Time
}

// New opens the history database at path.
func New(path string, clock func() time.Time) (*Store, error) {
	sqlite, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Setup(schema, schemaVersion); err != nil {
		sqlite.Close()
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: sqlite, clock: clock}, nil
}

// Record implements aggregate.Recorder.
func (s *Store) Record(ctx context.Context, cmd aggregate.Command, version uint64,
	events []eventstore.Event) error {

	payload, err := json.Marshal(cmd)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = s.db.Full.ExecContext(ctx,
		`INSERT INTO commands (handle, version, kind, summary, payload, events, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.Handle().String(), version, cmd.Kind(), cmd.Summary(), string(payload),
		len(events), s.clock().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return serrors.Wrap("inserting command record", db.ErrWrite, "cause", err)
	}
	return nil
}

// List returns the most recent commands of an aggregate, newest first.
func (s *Store) List(ctx context.Context, handle rpki.Handle, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.ReadOnly.QueryContext(ctx,
		`SELECT id, handle, version, kind, summary, payload, events, recorded_at
		 FROM commands WHERE handle = ? ORDER BY id DESC LIMIT ?`,
		handle.String(), limit,
	)
	if err != nil {
		return nil, serrors.Wrap("querying command history", db.ErrRead, "cause", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var recordedAt string
		if err := rows.Scan(&r.ID, &r.Handle, &r.Version, &r.Kind, &r.Summary,
			&r.Payload, &r.Events, &recordedAt); err != nil {
			return nil, serrors.Wrap("scanning command record", db.ErrRead, "cause", err)
		}
		if ts, err := time.Parse(time.RFC3339, recordedAt); err == nil {
			r.RecordedAt = ts
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, serrors.Wrap("iterating command history", db.ErrRead, "cause", err)
	}
	return records, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
