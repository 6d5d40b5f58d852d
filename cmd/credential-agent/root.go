// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/chainguard-dev/clog"
	envConfig "github.com/octo-sts/credential-agent/pkg/envconfig"
	"github.com/spf13/cobra"
)

// cli carries state shared by the commands of one invocation.
type cli struct {
	cfg      *envConfig.EnvConfig
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "credential-agent",
		Short: "Serve GitHub App installation tokens to git over a local socket",
		Long: `credential-agent holds a GitHub App's private key and hands out short-lived
installation tokens for the repository git asks about.

Run "credential-agent agent <socket>" once, then point git at it with

    git config --global credential.https://github.com.helper \
        "/path/to/credential-agent client <socket>"`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := envConfig.Process()
			if err != nil {
				return fmt.Errorf("failed to process env var: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = c.logLevel
			}
			level, err := cfg.Level()
			if err != nil {
				return err
			}
			c.cfg = cfg

			// stdout carries the credential protocol in client mode.
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn or error (env: LOG_LEVEL)")

	root.AddCommand(newAgentCmd(c), newClientCmd(c))
	return root
}

var subcommands = []string{"agent", "client"}

// normalizeArgs accepts the socket path ahead of the subcommand, as in
// "credential-agent /run/agent.sock client get", by moving it behind the
// subcommand.
func normalizeArgs(args []string) []string {
	if len(args) < 2 || slices.Contains(subcommands, args[0]) || !slices.Contains(subcommands, args[1]) {
		return args
	}
	if len(args[0]) > 0 && args[0][0] == '-' {
		return args
	}
	out := make([]string, 0, len(args))
	out = append(out, args[1], args[0])
	return append(out, args[2:]...)
}
