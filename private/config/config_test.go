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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/private/config"
)

func TestSampleParsesAndValidates(t *testing.T) {
	var cfg config.Config
	require.NoError(t, toml.Unmarshal([]byte(config.Sample()), &cfg))
	cfg.InitDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Timing.ObjectValidity.Duration)
	assert.True(t, cfg.Repository.Enabled)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krill.toml")
	require.NoError(t, os.WriteFile(path, []byte(config.Sample()), 0o644))

	t.Setenv("KRILL_AUTH_TOKEN", "secret-token")
	t.Setenv("KRILL_DATA_DIR", "/tmp/krill-test")
	t.Setenv("KRILL_LOG", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.General.AuthToken)
	assert.Equal(t, "/tmp/krill-test", cfg.General.DataDir)
	assert.Equal(t, "debug", cfg.General.LogLevel)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	var cfg config.Config
	cfg.InitDefaults()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsShortValidity(t *testing.T) {
	var cfg config.Config
	cfg.InitDefaults()
	cfg.General.AuthToken = "x"
	cfg.Timing.ObjectValidity.Duration = time.Minute
	assert.Error(t, cfg.Validate())
}
