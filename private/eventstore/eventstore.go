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

// Package eventstore persists aggregates as ordered event streams with
// optional snapshots. The layout is one directory per aggregate under the
// store root: numbered event files delta-NNNNNNNN.json and a single
// snapshot.json. Events are fsynced before an append reports success;
// appends are guarded by an optimistic version check.
package eventstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
)

// ErrConflict is returned by Append when the expected version does not
// match the current version. Nothing is written in that case.
var ErrConflict = serrors.New("version conflict")

// ErrNotFound is returned by Load for an unknown aggregate.
var ErrNotFound = serrors.New("aggregate not found")

// Event is one stored domain event. Version is the aggregate version
// after this event is applied; the first event of an aggregate has
// version 1.
type Event struct {
	Handle  rpki.Handle     `json:"handle"`
	Version uint64          `json:"version"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Snapshot is a serialized aggregate state at a version.
type Snapshot struct {
	Handle  rpki.Handle     `json:"handle"`
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Store is a file backed event store for one aggregate kind.
type Store struct {
	dir string
}

// New opens (or creates) the store root for one aggregate kind, e.g.
// "cas" or "pubd".
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, serrors.Wrap("creating event store directory", err, "dir", dir)
	}
	return &Store{dir: dir}, nil
}

// Exists reports whether the aggregate has at least one stored event or
// snapshot.
func (s *Store) Exists(handle rpki.Handle) (bool, error) {
	_, err := os.Stat(s.aggDir(handle))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, serrors.Wrap("checking aggregate directory", err, "handle", handle)
	}
	return true, nil
}

// List returns the handles of all stored aggregates, sorted.
func (s *Store) List() ([]rpki.Handle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, serrors.Wrap("reading store directory", err)
	}
	var handles []rpki.Handle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		handle, err := rpki.ParseHandle(e.Name())
		if err != nil {
			continue
		}
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles, nil
}

// Load returns the latest snapshot (if any), the events after it, and the
// current version of the aggregate.
func (s *Store) Load(handle rpki.Handle) (*Snapshot, []Event, uint64, error) {
	dir := s.aggDir(handle)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil, 0, serrors.WithCtx(ErrNotFound, "handle", handle)
	}

	var snapshot *Snapshot
	raw, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	switch {
	case err == nil:
		snapshot = &Snapshot{}
		if err := json.Unmarshal(raw, snapshot); err != nil {
			return nil, nil, 0, serrors.Wrap("decoding snapshot", err, "handle", handle)
		}
	case !os.IsNotExist(err):
		return nil, nil, 0, serrors.Wrap("reading snapshot", err, "handle", handle)
	}

	from := uint64(0)
	if snapshot != nil {
		from = snapshot.Version
	}
	events, version, err := s.loadEvents(handle, from)
	if err != nil {
		return nil, nil, 0, err
	}
	if version == 0 && snapshot != nil {
		version = snapshot.Version
	}
	return snapshot, events, version, nil
}

func (s *Store) loadEvents(handle rpki.Handle, after uint64) ([]Event, uint64, error) {
	dir := s.aggDir(handle)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, serrors.Wrap("reading aggregate directory", err, "handle", handle)
	}
	var versions []uint64
	for _, e := range entries {
		v, ok := eventVersion(e.Name())
		if !ok {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	var events []Event
	version := after
	for _, v := range versions {
		if v <= after {
			if v > version {
				version = v
			}
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, eventFile(v)))
		if err != nil {
			return nil, 0, serrors.Wrap("reading event", err, "handle", handle, "version", v)
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, 0, serrors.Wrap("decoding event", err, "handle", handle, "version", v)
		}
		if event.Version != v {
			return nil, 0, serrors.New("event version mismatch",
				"handle", handle, "file", v, "event", event.Version)
		}
		events = append(events, event)
		version = v
	}
	// The stream from the snapshot on must be contiguous.
	expect := after
	for _, e := range events {
		expect++
		if e.Version != expect {
			return nil, 0, serrors.New("gap in event stream",
				"handle", handle, "expected", expect, "got", e.Version)
		}
	}
	return events, version, nil
}

// Append stores events if expectedVersion matches the current version.
// Event versions must continue the stream contiguously. Every event file
// is fsynced before Append returns.
func (s *Store) Append(handle rpki.Handle, expectedVersion uint64, events []Event) (uint64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	dir := s.aggDir(handle)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, serrors.Wrap("creating aggregate directory", err, "handle", handle)
	}
	current, err := s.currentVersion(handle)
	if err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return 0, serrors.WithCtx(ErrConflict,
			"handle", handle, "expected", expectedVersion, "current", current)
	}
	version := expectedVersion
	for _, event := range events {
		version++
		if event.Version != version {
			return 0, serrors.New("non-contiguous event version",
				"handle", handle, "expected", version, "got", event.Version)
		}
		raw, err := json.MarshalIndent(event, "", "  ")
		if err != nil {
			return 0, serrors.Wrap("encoding event", err, "handle", handle)
		}
		if err := writeFileSync(filepath.Join(dir, eventFile(version)), raw); err != nil {
			return 0, err
		}
	}
	return version, nil
}

// WriteSnapshot persists the aggregate state at a version. An existing
// snapshot is replaced atomically.
func (s *Store) WriteSnapshot(handle rpki.Handle, version uint64, data json.RawMessage) error {
	dir := s.aggDir(handle)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return serrors.Wrap("creating aggregate directory", err, "handle", handle)
	}
	raw, err := json.MarshalIndent(Snapshot{
		Handle:  handle,
		Version: version,
		Data:    data,
	}, "", "  ")
	if err != nil {
		return serrors.Wrap("encoding snapshot", err, "handle", handle)
	}
	return writeFileSync(filepath.Join(dir, "snapshot.json"), raw)
}

func (s *Store) currentVersion(handle rpki.Handle) (uint64, error) {
	dir := s.aggDir(handle)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, serrors.Wrap("reading aggregate directory", err, "handle", handle)
	}
	var current uint64
	for _, e := range entries {
		if v, ok := eventVersion(e.Name()); ok && v > current {
			current = v
		}
	}
	if current == 0 {
		// Only a snapshot may be present, e.g. after archival compaction.
		raw, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
		if err == nil {
			var snapshot Snapshot
			if err := json.Unmarshal(raw, &snapshot); err == nil {
				current = snapshot.Version
			}
		}
	}
	return current, nil
}

func (s *Store) aggDir(handle rpki.Handle) string {
	return filepath.Join(s.dir, handle.String())
}

func eventFile(version uint64) string {
	return fmt.Sprintf("delta-%08d.json", version)
}

func eventVersion(name string) (uint64, bool) {
	trimmed, ok := strings.CutPrefix(name, "delta-")
	if !ok {
		return 0, false
	}
	trimmed, ok = strings.CutSuffix(trimmed, ".json")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, v != 0
}

// writeFileSync writes data to a temporary file, fsyncs it, and renames
// it into place. A crash leaves either the old content or the new, never
// a torn file; leftover temporary files are ignored by the readers.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return serrors.Wrap("creating file", err, "path", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return serrors.Wrap("writing file", err, "path", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return serrors.Wrap("syncing file", err, "path", tmp)
	}
	if err := f.Close(); err != nil {
		return serrors.Wrap("closing file", err, "path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return serrors.Wrap("renaming file", err, "path", path)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return serrors.Wrap("opening directory", err, "dir", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return serrors.Wrap("syncing directory", err, "dir", dir)
	}
	return nil
}
