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

// Package util holds small shared helpers without a better home.
package util

import (
	"encoding"
	"flag"
	"time"

	"github.com/krillpki/krill/pkg/private/serrors"
)

var _ encoding.TextUnmarshaler = (*DurWrap)(nil)
var _ encoding.TextMarshaler = DurWrap{}
var _ flag.Value = (*DurWrap)(nil)

// DurWrap wraps time.Duration so durations can appear directly in TOML
// and JSON configuration.
type DurWrap struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DurWrap) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// Set implements flag.Value.
func (d *DurWrap) Set(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return serrors.Wrap("parsing duration", err, "input", text)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d DurWrap) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d DurWrap) String() string {
	return d.Duration.String()
}
