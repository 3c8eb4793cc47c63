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

package rpki

import (
	"net/url"
	"strings"

	"github.com/krillpki/krill/pkg/private/serrors"
)

// RsyncURI is an absolute rsync:// URI. Published objects live under rsync
// URIs; publication deltas are authorized against a publisher's rsync base
// URI by strict prefix.
type RsyncURI string

// ParseRsyncURI validates s as an absolute rsync URI.
func ParseRsyncURI(s string) (RsyncURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", serrors.Wrap("parsing uri", err)
	}
	if u.Scheme != "rsync" {
		return "", serrors.New("not an rsync uri", "uri", s)
	}
	if u.Host == "" {
		return "", serrors.New("rsync uri without host", "uri", s)
	}
	return RsyncURI(s), nil
}

func (u RsyncURI) String() string {
	return string(u)
}

// Join appends path elements to the URI, normalizing separators.
func (u RsyncURI) Join(elem string) RsyncURI {
	base := strings.TrimSuffix(string(u), "/")
	return RsyncURI(base + "/" + strings.TrimPrefix(elem, "/"))
}

// IsParentOf reports whether other lives strictly below u. A URI is not its
// own parent.
func (u RsyncURI) IsParentOf(other RsyncURI) bool {
	base := strings.TrimSuffix(string(u), "/") + "/"
	return strings.HasPrefix(string(other), base) && len(other) > len(base)
}

// Filename returns the last path element of the URI.
func (u RsyncURI) Filename() string {
	s := string(u)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (u RsyncURI) MarshalText() ([]byte, error) {
	return []byte(u), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *RsyncURI) UnmarshalText(text []byte) error {
	parsed, err := ParseRsyncURI(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// HTTPSURI is an absolute https:// URI, used for RRDP and for the protocol
// service endpoints.
type HTTPSURI string

// ParseHTTPSURI validates s as an absolute https URI. Plain http URIs are
// accepted as well.
func ParseHTTPSURI(s string) (HTTPSURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", serrors.Wrap("parsing uri", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", serrors.New("not an https uri", "uri", s)
	}
	if u.Host == "" {
		return "", serrors.New("https uri without host", "uri", s)
	}
	return HTTPSURI(s), nil
}

func (u HTTPSURI) String() string {
	return string(u)
}

// Join appends path elements to the URI, normalizing separators.
func (u HTTPSURI) Join(elem string) HTTPSURI {
	base := strings.TrimSuffix(string(u), "/")
	return HTTPSURI(base + "/" + strings.TrimPrefix(elem, "/"))
}

// MarshalText implements encoding.TextMarshaler.
func (u HTTPSURI) MarshalText() ([]byte, error) {
	return []byte(u), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *HTTPSURI) UnmarshalText(text []byte) error {
	parsed, err := ParseHTTPSURI(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
