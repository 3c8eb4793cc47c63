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

// Command krillc is the admin client of the daemon's command API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "krillc:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "krillc",
		Short:         "Admin client for the krill daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		envOr("KRILL_CLI_SERVER", "http://localhost:3000"), "daemon base URL")
	root.PersistentFlags().StringVar(&token, "token",
		envOr("KRILL_AUTH_TOKEN", ""), "admin API token")

	root.AddCommand(newCAsCmd(), newROAsCmd(), newPublishersCmd(), newHealthCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newCAsCmd() *cobra.Command {
	cas := &cobra.Command{Use: "cas", Short: "Manage certificate authorities"}

	cas.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the CA handles",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				CAs []string `json:"cas"`
			}
			if err := apiGet("/api/v1/cas", &body); err != nil {
				return err
			}
			for _, handle := range body.CAs {
				fmt.Fprintln(cmd.OutOrStdout(), handle)
			}
			return nil
		},
	})

	var trustAnchor bool
	add := &cobra.Command{
		Use:   "add <handle>",
		Short: "Create a CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Version uint64   `json:"version"`
				Events  []string `json:"events"`
			}
			err := apiPost("/api/v1/cas", map[string]any{
				"handle":       args[0],
				"trust_anchor": trustAnchor,
			}, &result)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "CA %s created at version %d", args[0], result.Version)
			return nil
		},
	}
	add.Flags().BoolVar(&trustAnchor, "ta", false, "create a trust anchor CA")
	cas.AddCommand(add)

	cas.AddCommand(&cobra.Command{
		Use:   "show <handle>",
		Short: "Show a CA's classes, keys and ROAs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary struct {
				Handle          string `json:"handle"`
				Version         uint64 `json:"version"`
				ResourceClasses []struct {
					Name      string `json:"name"`
					Resources struct {
						ASN  string `json:"asn"`
						IPv4 string `json:"ipv4"`
						IPv6 string `json:"ipv6"`
					} `json:"resources"`
					Keys []struct {
						KeyID      string `json:"key_id"`
						State      string `json:"state"`
						MFTNumber  uint64 `json:"mft_number"`
						NextUpdate string `json:"next_update"`
					} `json:"keys"`
				} `json:"resource_classes"`
				LastFailure string `json:"last_failure"`
			}
			if err := apiGet("/api/v1/cas/"+args[0], &summary); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CA %s (version %d)\n", summary.Handle, summary.Version)
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Class", "Key", "State", "MFT#", "Next Update"})
			for _, rc := range summary.ResourceClasses {
				for _, key := range rc.Keys {
					table.Append([]string{
						rc.Name, shorten(key.KeyID), key.State,
						strconv.FormatUint(key.MFTNumber, 10), key.NextUpdate,
					})
				}
			}
			table.Render()
			if summary.LastFailure != "" {
				warn(out, "last scheduler failure: %s", summary.LastFailure)
			}
			return nil
		},
	})
	return cas
}

func newROAsCmd() *cobra.Command {
	roas := &cobra.Command{Use: "roas", Short: "Manage route origin authorizations"}

	roas.AddCommand(&cobra.Command{
		Use:   "list <ca>",
		Short: "List the CA's ROAs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary struct {
				ROAs []struct {
					ASN       uint32 `json:"asn"`
					Prefix    string `json:"prefix"`
					MaxLength int    `json:"max_length"`
				} `json:"roas"`
			}
			if err := apiGet("/api/v1/cas/"+args[0], &summary); err != nil {
				return err
			}
			sort.Slice(summary.ROAs, func(i, j int) bool {
				if summary.ROAs[i].ASN != summary.ROAs[j].ASN {
					return summary.ROAs[i].ASN < summary.ROAs[j].ASN
				}
				return summary.ROAs[i].Prefix < summary.ROAs[j].Prefix
			})
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ASN", "Prefix", "Max Length"})
			for _, roa := range summary.ROAs {
				table.Append([]string{
					fmt.Sprintf("AS%d", roa.ASN), roa.Prefix,
					strconv.Itoa(roa.MaxLength),
				})
			}
			table.Render()
			return nil
		},
	})

	var (
		asn       uint32
		prefix    string
		maxLength int
		remove    bool
	)
	update := &cobra.Command{
		Use:   "update <ca>",
		Short: "Add or remove one ROA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth := map[string]any{
				"asn": asn, "prefix": prefix, "max_length": maxLength,
			}
			body := map[string]any{"added": []any{auth}}
			if remove {
				body = map[string]any{"removed": []any{auth}}
			}
			var result struct {
				Version uint64 `json:"version"`
			}
			if err := apiPost("/api/v1/cas/"+args[0]+"/roas", body, &result); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "ROA update applied, CA now at version %d", result.Version)
			return nil
		},
	}
	update.Flags().Uint32Var(&asn, "asn", 0, "origin AS number")
	update.Flags().StringVar(&prefix, "prefix", "", "announced prefix")
	update.Flags().IntVar(&maxLength, "max-length", 0, "maximum announced length")
	update.Flags().BoolVar(&remove, "remove", false, "remove instead of add")
	roas.AddCommand(update)
	return roas
}

func newPublishersCmd() *cobra.Command {
	publishers := &cobra.Command{Use: "publishers", Short: "Manage publishers"}
	publishers.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List publishers and the RRDP session",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				SessionID  string   `json:"session_id"`
				Serial     uint64   `json:"serial"`
				Publishers []string `json:"publishers"`
			}
			if err := apiGet("/api/v1/publishers", &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s serial %d\n", body.SessionID, body.Serial)
			for _, p := range body.Publishers {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	})
	return publishers
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the daemon health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(serverURL + "/health")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon unhealthy: status %d", resp.StatusCode)
			}
			success(cmd.OutOrStdout(), "daemon is healthy")
			return nil
		},
	}
}

func apiGet(path string, into any) error {
	return apiCall(http.MethodGet, path, nil, into)
}

func apiPost(path string, body, into any) error {
	return apiCall(http.MethodPost, path, body, into)
}

func apiCall(method, path string, body, into any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Kind != "" {
			return fmt.Errorf("%s: %s", apiErr.Kind, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if into == nil {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func success(w io.Writer, format string, args ...any) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		color.New(color.FgGreen).Fprintf(w, format+"\n", args...)
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func warn(w io.Writer, format string, args ...any) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		color.New(color.FgYellow).Fprintf(w, format+"\n", args...)
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func shorten(keyID string) string {
	if len(keyID) > 12 {
		return keyID[:12]
	}
	return keyID
}
