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

// Package db provides the sqlite plumbing for the daemon's auxiliary
// stores. The write pool is limited to a single connection; reads go
// through a separate pool. WAL journaling keeps readers and the writer
// from blocking each other.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"runtime"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/krillpki/krill/pkg/private/serrors"
)

// Sentinel errors for database failures.
var (
	// ErrRead indicates that reading from the database failed.
	ErrRead = serrors.New("db: read failed")
	// ErrWrite indicates that writing to the database failed.
	ErrWrite = serrors.New("db: write failed")
)

// Sqlite holds the write connection and the read pool of one database.
type Sqlite struct {
	// Full can run any statement, including writes and transactions.
	Full *sql.DB
	// ReadOnly should only be used for reads.
	ReadOnly *sql.DB
}

// New opens a sqlite database at path. The write pool is capped at one
// open connection to avoid lock contention; the read pool allows as many
// connections as there are CPUs, and at least 4.
func New(path string) (*Sqlite, error) {
	if strings.Contains(path, ":memory:") {
		return nil, serrors.New("use a file backed database path")
	}
	params := make(url.Values)
	// Transactions start IMMEDIATE so the busy timeout applies from the
	// start instead of failing on upgrade to a write lock.
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(1000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")

	connURL := "file:" + path + "?" + params.Encode()
	write, err := sql.Open("sqlite", connURL)
	if err != nil {
		return nil, serrors.Wrap("opening write database", err, "path", path)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", connURL)
	if err != nil {
		write.Close()
		return nil, serrors.Wrap("opening read database", err, "path", path)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	return &Sqlite{Full: write, ReadOnly: read}, nil
}

// Setup applies the schema to an empty database, or verifies the schema
// version of an existing one.
func (db *Sqlite) Setup(schema string, schemaVersion int) error {
	var existing int
	if err := db.Full.QueryRow("PRAGMA user_version;").Scan(&existing); err != nil {
		return serrors.Wrap("checking schema version", err)
	}
	switch {
	case existing == 0:
		if _, err := db.Full.Exec(schema); err != nil {
			return serrors.Wrap("applying schema", err)
		}
		if _, err := db.Full.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return serrors.Wrap("writing schema version", err)
		}
		return nil
	case existing != schemaVersion:
		return serrors.New("schema version mismatch",
			"expected", schemaVersion, "have", existing)
	default:
		return nil
	}
}

// Checkpoint runs a FULL WAL checkpoint.
func (db *Sqlite) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := db.Full.QueryRowContext(ctx, "PRAGMA wal_checkpoint(FULL);").
		Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return serrors.Wrap("running checkpoint", err)
	}
	return nil
}

// Close closes both pools.
func (db *Sqlite) Close() error {
	var errs serrors.List
	if err := db.Full.Close(); err != nil {
		errs = append(errs, serrors.Wrap("closing write db", err))
	}
	if err := db.ReadOnly.Close(); err != nil {
		errs = append(errs, serrors.Wrap("closing read db", err))
	}
	return errs.ToError()
}
