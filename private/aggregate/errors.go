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

package aggregate

import (
	"errors"
	"fmt"
)

// Stable error kind tags surfaced to API clients with rejected commands.
const (
	KindMalformed          = "malformed-command"
	KindUnknownHandle      = "unknown-handle"
	KindAlreadyExists      = "already-exists"
	KindNotFound           = "not-found"
	KindResourcesNotSubset = "resources-not-subset"
	KindURIOutsideBase     = "uri-outside-base"
	KindHashMismatch       = "hash-mismatch"
	KindKeyState           = "key-state"
	KindCrypto             = "crypto"
)

// DomainError is a command rejection with a stable kind tag. Rejections
// write no events.
type DomainError struct {
	Kind string
	Msg  string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches domain errors by kind.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Kind == e.Kind
}

// NewDomainError creates a command rejection.
func NewDomainError(kind, format string, args ...any) error {
	return &DomainError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind tag of a command rejection, or empty if err is
// not a domain error.
func KindOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
