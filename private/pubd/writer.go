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

package pubd

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/rpki"
	"github.com/krillpki/krill/pkg/rpki/rrdp"
	"github.com/krillpki/krill/pkg/scrypto"
)

// Writer mirrors the repository content to the RRDP document tree and
// the rsync tree. All files are written to a temporary name and renamed
// into place; the notification file is written last, so a polling
// relying party never observes a notification that references missing
// documents. In the rsync tree, deletions happen last.
type Writer struct {
	// RRDPDir is the directory served as the RRDP base, holding
	// notification.xml and <session>/<serial>/ document dirs.
	RRDPDir string
	// RsyncDir is the root of the rsync module tree.
	RsyncDir string
	// RRDPBase is the public URI of RRDPDir.
	RRDPBase rpki.HTTPSURI

	Logger log.Logger
}

// CleanTemp removes leftover temporary files from a crashed run. Called
// once on startup before the first Sync.
func (w *Writer) CleanTemp() error {
	for _, root := range []string{w.RRDPDir, w.RsyncDir} {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".tmp") {
				return os.Remove(p)
			}
			return nil
		})
		if err != nil {
			return serrors.Wrap("cleaning temporary files", err, "root", root)
		}
	}
	return nil
}

// Sync brings the RRDP documents and the rsync tree in line with the
// repository state.
func (w *Writer) Sync(repo *Repository) error {
	session := repo.SessionID()
	serial := repo.Serial()
	objects := repo.AllObjects()

	snapshotURI, snapshotHash, err := w.writeSnapshot(session, serial, objects)
	if err != nil {
		return err
	}
	deltaRefs, err := w.writeDeltas(session, repo.Deltas())
	if err != nil {
		return err
	}
	if err := w.syncRsync(objects); err != nil {
		return err
	}
	// The notification is published last; until then relying parties
	// keep seeing the previous consistent state.
	notification := &rrdp.Notification{
		Xmlns:     rrdp.NS,
		Version:   rrdp.Version,
		SessionID: session,
		Serial:    serial,
		Snapshot: rrdp.SnapshotRef{
			URI:  snapshotURI,
			Hash: snapshotHash,
		},
		Deltas: deltaRefs,
	}
	raw, err := rrdp.Encode(notification)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(w.RRDPDir, "notification.xml"), raw); err != nil {
		return err
	}
	w.pruneSessions(session, serial, repo.Deltas())
	return nil
}

func (w *Writer) writeSnapshot(session string, serial uint64, objects []ObjectRef) (string, string, error) {
	doc := &rrdp.Snapshot{
		Xmlns:     rrdp.NS,
		Version:   rrdp.Version,
		SessionID: session,
		Serial:    serial,
	}
	for _, obj := range objects {
		doc.Publish = append(doc.Publish, rrdp.PublishElement{
			URI:    obj.URI.String(),
			Base64: base64.StdEncoding.EncodeToString(obj.Bytes),
		})
	}
	raw, err := rrdp.Encode(doc)
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(w.RRDPDir, session, fmt.Sprintf("%d", serial))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", serrors.Wrap("creating snapshot directory", err, "dir", dir)
	}
	if err := writeAtomic(filepath.Join(dir, "snapshot.xml"), raw); err != nil {
		return "", "", err
	}
	uri := string(w.RRDPBase.Join(path.Join(session, fmt.Sprintf("%d", serial), "snapshot.xml")))
	return uri, scrypto.DigestHex(raw), nil
}

func (w *Writer) writeDeltas(session string, deltas []DeltaLog) ([]rrdp.DeltaRef, error) {
	refs := make([]rrdp.DeltaRef, 0, len(deltas))
	// Newest first in the notification.
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		doc := &rrdp.Delta{
			Xmlns:     rrdp.NS,
			Version:   rrdp.Version,
			SessionID: session,
			Serial:    d.Serial,
		}
		for _, change := range d.Changes {
			switch change.Op {
			case OpWithdraw:
				doc.Withdraw = append(doc.Withdraw, rrdp.WithdrawElement{
					URI:  change.URI.String(),
					Hash: change.OldHash,
				})
			default:
				doc.Publish = append(doc.Publish, rrdp.PublishElement{
					URI:    change.URI.String(),
					Hash:   change.OldHash,
					Base64: base64.StdEncoding.EncodeToString(change.Bytes),
				})
			}
		}
		raw, err := rrdp.Encode(doc)
		if err != nil {
			return nil, err
		}
		dir := filepath.Join(w.RRDPDir, session, fmt.Sprintf("%d", d.Serial))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, serrors.Wrap("creating delta directory", err, "dir", dir)
		}
		if err := writeAtomic(filepath.Join(dir, "delta.xml"), raw); err != nil {
			return nil, err
		}
		refs = append(refs, rrdp.DeltaRef{
			Serial: d.Serial,
			URI:    string(w.RRDPBase.Join(path.Join(session, fmt.Sprintf("%d", d.Serial), "delta.xml"))),
			Hash:   scrypto.DigestHex(raw),
		})
	}
	return refs, nil
}

// syncRsync mirrors the object set into the rsync tree: writes and
// replacements first, deletions last.
func (w *Writer) syncRsync(objects []ObjectRef) error {
	want := make(map[string]ObjectRef, len(objects))
	for _, obj := range objects {
		p, err := w.rsyncPath(obj.URI)
		if err != nil {
			return err
		}
		want[p] = obj
	}
	for p, obj := range want {
		existing, err := os.ReadFile(p)
		if err == nil && scrypto.DigestHex(existing) == obj.Hash {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return serrors.Wrap("creating rsync directory", err, "dir", filepath.Dir(p))
		}
		if err := writeAtomic(p, obj.Bytes); err != nil {
			return err
		}
	}
	// Deletions last, so readers racing the sync see a superset.
	var stale []string
	err := filepath.WalkDir(w.RsyncDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := want[p]; !ok {
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return serrors.Wrap("scanning rsync tree", err)
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return serrors.Wrap("removing stale object", err, "path", p)
		}
	}
	return nil
}

// rsyncPath maps an rsync URI to its location in the local tree:
// rsync://host/module/a/b.roa becomes <RsyncDir>/module/a/b.roa.
func (w *Writer) rsyncPath(uri rpki.RsyncURI) (string, error) {
	parsed, err := url.Parse(uri.String())
	if err != nil {
		return "", serrors.Wrap("parsing object uri", err, "uri", uri)
	}
	clean := path.Clean("/" + parsed.Path)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", serrors.New("unusable object path", "uri", uri)
	}
	return filepath.Join(w.RsyncDir, filepath.FromSlash(clean)), nil
}

// pruneSessions removes stale session directories and serial directories
// that neither the snapshot nor a retained delta references.
func (w *Writer) pruneSessions(session string, serial uint64, deltas []DeltaLog) {
	keep := map[string]bool{fmt.Sprintf("%d", serial): true}
	for _, d := range deltas {
		keep[fmt.Sprintf("%d", d.Serial)] = true
	}
	entries, err := os.ReadDir(w.RRDPDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if entry.Name() != session {
			_ = os.RemoveAll(filepath.Join(w.RRDPDir, entry.Name()))
			continue
		}
		serials, err := os.ReadDir(filepath.Join(w.RRDPDir, session))
		if err != nil {
			continue
		}
		for _, s := range serials {
			if !keep[s.Name()] {
				_ = os.RemoveAll(filepath.Join(w.RRDPDir, session, s.Name()))
			}
		}
	}
}

func writeAtomic(p string, data []byte) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return serrors.Wrap("writing file", err, "path", tmp)
	}
	if err := os.Rename(tmp, p); err != nil {
		return serrors.Wrap("renaming file", err, "path", p)
	}
	return nil
}
