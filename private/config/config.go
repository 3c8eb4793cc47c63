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

// Package config defines the daemon's TOML configuration. Config structs
// follow the InitDefaults/Validate pattern: uninitialized fields receive
// defaults, then the whole config is validated recursively.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/krillpki/krill/pkg/private/serrors"
	"github.com/krillpki/krill/pkg/private/util"
	"github.com/krillpki/krill/pkg/rpki"
)

// Config is the daemon configuration.
type Config struct {
	General    General    `toml:"general"`
	HTTP       HTTP       `toml:"http"`
	Repository Repository `toml:"repository"`
	Timing     Timing     `toml:"timing"`
	Schedule   Schedule   `toml:"schedule"`
}

// General holds the basic daemon settings.
type General struct {
	// DataDir is the state directory: event streams, keys, the served
	// repository trees and the audit history live below it.
	DataDir string `toml:"data_dir"`
	// LogLevel is one of debug, info, error.
	LogLevel string `toml:"log_level"`
	// LogFormat is human or json.
	LogFormat string `toml:"log_format"`
	// AuthToken protects the admin API.
	AuthToken string `toml:"auth_token"`
}

// HTTP configures the listener.
type HTTP struct {
	// Addr is the listen address of the service.
	Addr string `toml:"addr"`
}

// Repository configures the embedded publication server.
type Repository struct {
	// Enabled runs the embedded publication server.
	Enabled bool `toml:"enabled"`
	// RRDPBaseURI is the public base URI under which the RRDP documents
	// are served.
	RRDPBaseURI rpki.HTTPSURI `toml:"rrdp_base_uri"`
	// RsyncBaseURI is the rsync URI prefix handed to publishers.
	RsyncBaseURI rpki.RsyncURI `toml:"rsync_base_uri"`
}

// Timing holds the object lifetimes and key roll stages.
type Timing struct {
	// ObjectValidity is the manifest and CRL shelf life.
	ObjectValidity util.DurWrap `toml:"object_validity"`
	// IssuedCertValidity is the validity of certificates issued to
	// children.
	IssuedCertValidity util.DurWrap `toml:"issued_cert_validity"`
	// KeyRollStage is the minimum staging time of a new key.
	KeyRollStage util.DurWrap `toml:"keyroll_stage"`
	// KeyRollQuiet is the quiet period before a replaced key is revoked.
	KeyRollQuiet util.DurWrap `toml:"keyroll_quiet"`
}

// Schedule holds the background job cadences.
type Schedule struct {
	// Republish is the staleness sweep cadence.
	Republish util.DurWrap `toml:"republish"`
	// Refresh is the parent entitlement refresh cadence.
	Refresh util.DurWrap `toml:"refresh"`
}

// InitDefaults fills uninitialized fields.
func (cfg *Config) InitDefaults() {
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "/var/lib/krill"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "human"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "localhost:3000"
	}
	if cfg.Timing.ObjectValidity.Duration == 0 {
		cfg.Timing.ObjectValidity.Duration = 24 * time.Hour
	}
	if cfg.Timing.IssuedCertValidity.Duration == 0 {
		cfg.Timing.IssuedCertValidity.Duration = 365 * 24 * time.Hour
	}
	if cfg.Timing.KeyRollStage.Duration == 0 {
		cfg.Timing.KeyRollStage.Duration = 24 * time.Hour
	}
	if cfg.Timing.KeyRollQuiet.Duration == 0 {
		cfg.Timing.KeyRollQuiet.Duration = 24 * time.Hour
	}
	if cfg.Schedule.Republish.Duration == 0 {
		cfg.Schedule.Republish.Duration = time.Hour
	}
	if cfg.Schedule.Refresh.Duration == 0 {
		cfg.Schedule.Refresh.Duration = 10 * time.Minute
	}
}

// Validate checks the configuration for obvious mistakes.
func (cfg *Config) Validate() error {
	if cfg.General.DataDir == "" {
		return serrors.New("data_dir must be set")
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "error":
	default:
		return serrors.New("invalid log_level", "value", cfg.General.LogLevel)
	}
	if cfg.General.AuthToken == "" {
		return serrors.New("auth_token must be set")
	}
	if cfg.Repository.Enabled {
		if cfg.Repository.RRDPBaseURI == "" || cfg.Repository.RsyncBaseURI == "" {
			return serrors.New("repository requires rrdp_base_uri and rsync_base_uri")
		}
	}
	if cfg.Timing.ObjectValidity.Duration < time.Hour {
		return serrors.New("object_validity below one hour",
			"value", cfg.Timing.ObjectValidity)
	}
	return nil
}

// Load reads the TOML file at path, applies environment overrides,
// defaults, and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, serrors.Wrap("reading config", err, "path", path)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return nil, serrors.Wrap("parsing config", err, "path", path)
		}
	}
	cfg.applyEnv()
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies the KRILL_* environment overrides.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("KRILL_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("KRILL_LOG"); v != "" {
		cfg.General.LogLevel = v
	}
	if v := os.Getenv("KRILL_AUTH_TOKEN"); v != "" {
		cfg.General.AuthToken = v
	}
}

// Sample returns a commented sample configuration.
func Sample() string {
	return `[general]
# Directory holding all daemon state.
data_dir = "/var/lib/krill"
# Log level: debug, info, error. Overridden by KRILL_LOG.
log_level = "info"
# Log format: human or json.
log_format = "human"
# Admin API token. Overridden by KRILL_AUTH_TOKEN.
auth_token = "change-me"

[http]
# Listen address for the protocol, RRDP and admin endpoints.
addr = "localhost:3000"

[repository]
# Run the embedded publication server.
enabled = true
# Public base URI of the served RRDP documents.
rrdp_base_uri = "https://localhost:3000/rrdp"
# rsync URI prefix handed to publishers.
rsync_base_uri = "rsync://localhost/repo"

[timing]
# Manifest and CRL shelf life.
object_validity = "24h"
# Validity of certificates issued to children.
issued_cert_validity = "8760h"
# Minimum staging time before a new key is activated.
keyroll_stage = "24h"
# Quiet period before a replaced key is revoked.
keyroll_quiet = "24h"

[schedule]
# Staleness sweep cadence for manifests and CRLs.
republish = "1h"
# Parent entitlement refresh cadence.
refresh = "10m"
`
}
