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

// Command krill runs the RPKI CA and publication daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/krillpki/krill/pkg/log"
	"github.com/krillpki/krill/private/ca"
	"github.com/krillpki/krill/private/config"
	"github.com/krillpki/krill/private/pubd"
	"github.com/krillpki/krill/private/server"
)

// Exit codes.
const (
	exitOK       = 0
	exitUsage    = 64
	exitInternal = 70
	exitDataDir  = 73
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string

	v := viper.New()
	v.SetEnvPrefix("KRILL")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "krill",
		Short:         "RPKI certificate authority and publication server",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	var (
		initTA     bool
		initSample bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and optionally a trust anchor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initSample {
				fmt.Fprint(cmd.OutOrStdout(), config.Sample())
				return nil
			}
			cfg, err := loadConfig(v, cfgPath)
			if err != nil {
				return err
			}
			return initialize(cmd.Context(), cfg, initTA)
		},
	}
	initCmd.Flags().BoolVar(&initTA, "ta", false, "generate an embedded trust anchor")
	initCmd.Flags().BoolVar(&initSample, "sample", false, "print a sample configuration and exit")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.AddCommand(initCmd, serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "krill:", err)
		return exitCode(err)
	}
	return exitOK
}

// usageError marks argument and configuration mistakes.
type usageError struct{ error }

// dataDirError marks an unusable data directory.
type dataDirError struct{ error }

func exitCode(err error) int {
	switch err.(type) {
	case usageError:
		return exitUsage
	case dataDirError:
		return exitDataDir
	default:
		return exitInternal
	}
}

func loadConfig(v *viper.Viper, flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = v.GetString("config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, usageError{err}
	}
	if err := log.Setup(log.Config{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
	}); err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

func initialize(ctx context.Context, cfg *config.Config, withTA bool) error {
	if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
		return dataDirError{err}
	}
	for _, sub := range []string{"cas", "pubd", "keys", "repo"} {
		if err := os.MkdirAll(filepath.Join(cfg.General.DataDir, sub), 0o700); err != nil {
			return dataDirError{err}
		}
	}
	s, err := server.New(cfg)
	if err != nil {
		return dataDirError{err}
	}
	if cfg.Repository.Enabled {
		if err := s.InitRepository(ctx); err != nil {
			return err
		}
	}
	if !withTA {
		log.Info("Data directory initialised", "dir", cfg.General.DataDir)
		return nil
	}
	exists, err := s.CAs.Exists("ta")
	if err != nil {
		return err
	}
	if exists {
		log.Info("Trust anchor already present")
		return nil
	}
	cmd := ca.InitCmd{
		Repo: ca.RepoInfo{
			SIABase:   cfg.Repository.RsyncBaseURI.Join("ta"),
			NotifyURI: cfg.Repository.RRDPBaseURI.Join("notification.xml"),
		},
		TrustAnchor: true,
	}
	cmd.CA = "ta"
	state, _, err := s.CAs.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if cfg.Repository.Enabled {
		idCert, err := state.(*ca.CertAuth).IDCert()
		if err != nil {
			return err
		}
		add := pubd.AddPublisherCmd{
			Publisher: "ta",
			IDCertDER: idCert.Raw,
			BaseURI:   cmd.Repo.SIABase,
		}
		add.Repo = pubd.DefaultHandle
		if _, _, err := s.Repo.Send(ctx, add); err != nil {
			return err
		}
	}
	log.Info("Trust anchor created", "handle", "ta")
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	s, err := server.New(cfg)
	if err != nil {
		return dataDirError{err}
	}
	defer log.Flush()
	return s.Run(ctx)
}
