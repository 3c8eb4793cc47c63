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

// Package rpki holds the identifier value types shared between the CA, the
// publication server and the protocol engines.
package rpki

import (
	"github.com/krillpki/krill/pkg/private/serrors"
)

// MaxHandleLen is the maximum length of a handle.
const MaxHandleLen = 255

// Handle is a short local name for an aggregate: a CA, a child under a CA,
// or a publisher. Handles are printable, at most 255 bytes, restricted to
// [-_A-Za-z0-9], and unique within their kind.
type Handle string

// ParseHandle validates s and returns it as a Handle.
func ParseHandle(s string) (Handle, error) {
	if len(s) == 0 {
		return "", serrors.New("empty handle")
	}
	if len(s) > MaxHandleLen {
		return "", serrors.New("handle too long", "len", len(s))
	}
	for i := 0; i < len(s); i++ {
		if !handleByte(s[i]) {
			return "", serrors.New("invalid character in handle", "handle", s, "pos", i)
		}
	}
	return Handle(s), nil
}

func handleByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_':
		return true
	}
	return false
}

func (h Handle) String() string {
	return string(h)
}

// Validate checks that the handle is well formed.
func (h Handle) Validate() error {
	_, err := ParseHandle(string(h))
	return err
}

// MarshalText implements encoding.TextMarshaler, so handles can be used as
// JSON object keys.
func (h Handle) MarshalText() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return []byte(h), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
