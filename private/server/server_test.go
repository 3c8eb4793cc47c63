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

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krillpki/krill/pkg/rpki/rrdp"
	"github.com/krillpki/krill/private/config"
	"github.com/krillpki/krill/private/server"
)

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{}
	cfg.InitDefaults()
	cfg.General.DataDir = t.TempDir()
	cfg.General.AuthToken = "test-token"
	cfg.Repository.Enabled = true
	cfg.Repository.RRDPBaseURI = "https://repo.example.net/rrdp"
	cfg.Repository.RsyncBaseURI = "rsync://repo.example.net/repo"

	s, err := server.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.InitRepository(context.Background()))

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealthAndAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Without a token the admin API is closed.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", "wrong", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", "test-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestROAPublishEndToEnd(t *testing.T) {
	s, ts := newTestServer(t)
	token := "test-token"

	// Bootstrap the trust anchor through the command API.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas", token, map[string]any{
		"handle":       "ta",
		"trust_anchor": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Version uint64   `json:"version"`
		Events  []string `json:"events"`
	}
	decodeBody(t, resp, &result)
	assert.NotZero(t, result.Version)
	assert.NotEmpty(t, result.Events)

	// Let the scheduler push the initial objects to the repository.
	s.Scheduler.Drain(context.Background())
	serialAfterInit := repoSerial(t, ts, token)

	// Add a ROA.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas/ta/roas", token, map[string]any{
		"added": []map[string]any{
			{"asn": 64496, "prefix": "10.0.0.0/16", "max_length": 16},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	s.Scheduler.Drain(context.Background())

	// The repository serial advanced by exactly one.
	assert.Equal(t, serialAfterInit+1, repoSerial(t, ts, token))

	// The notification lists the delta and a .roa object is served.
	resp, err := http.Get(ts.URL + "/rrdp/notification.xml")
	require.NoError(t, err)
	raw := readAll(t, resp)
	notification, err := rrdp.DecodeNotification(raw)
	require.NoError(t, err)
	assert.Equal(t, serialAfterInit+1, notification.Serial)
	require.NotEmpty(t, notification.Deltas)
	assert.Equal(t, serialAfterInit+1, notification.Deltas[0].Serial)

	var show struct {
		ROAs []struct {
			ASN    uint32 `json:"asn"`
			Prefix string `json:"prefix"`
		} `json:"roas"`
		ResourceClasses []struct {
			Keys []struct {
				MFTNumber uint64 `json:"mft_number"`
				Objects   int    `json:"objects"`
			} `json:"keys"`
		} `json:"resource_classes"`
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas/ta", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &show)
	require.Len(t, show.ROAs, 1)
	assert.Equal(t, uint32(64496), show.ROAs[0].ASN)
	require.Len(t, show.ResourceClasses, 1)
	require.Len(t, show.ResourceClasses[0].Keys, 1)
	// ta.cer, manifest, CRL and the ROA.
	assert.Equal(t, 4, show.ResourceClasses[0].Keys[0].Objects)
	assert.Equal(t, uint64(2), show.ResourceClasses[0].Keys[0].MFTNumber)
}

func TestInitCARejectsBadHandle(t *testing.T) {
	_, ts := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas", "test-token", map[string]any{
		"handle": "not a handle",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "malformed-command", errResp.Kind)
}

func repoSerial(t *testing.T, ts *httptest.Server, token string) uint64 {
	t.Helper()
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/publishers", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Serial uint64 `json:"serial"`
	}
	decodeBody(t, resp, &body)
	return body.Serial
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return buf.Bytes()
}
