// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/octo-sts/credential-agent/pkg/agent"
	"github.com/octo-sts/credential-agent/pkg/ghapp"
	"github.com/octo-sts/credential-agent/pkg/ghtransport"
	"github.com/octo-sts/credential-agent/pkg/tokencache"
	"github.com/spf13/cobra"
)

type agentFlags struct {
	appID             int64
	keyPath           string
	githubURL         string
	connectionTimeout time.Duration
	singleFlight      bool
}

func newAgentCmd(c *cli) *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent <socket-path>",
		Short: "Serve installation tokens on a Unix socket until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, c)
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runAgent(cmd, c, args[0])
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&f.appID, "app-id", 0, "GitHub App ID (env: GITHUB_APP_ID)")
	flags.StringVar(&f.keyPath, "key-path", "", "path to the app's PEM private key (env: APP_SECRET_CERTIFICATE_FILE)")
	flags.StringVar(&f.githubURL, "github-url", "https://api.github.com", "GitHub API base URL (env: GITHUB_URL)")
	flags.DurationVar(&f.connectionTimeout, "connection-timeout", agent.DefaultConnectionTimeout, "time limit for serving one connection (env: CONNECTION_TIMEOUT)")
	flags.BoolVar(&f.singleFlight, "single-flight", false, "collapse concurrent GitHub calls for the same repository (env: SINGLE_FLIGHT)")
	return cmd
}

// apply overrides the environment with the flags given on the command line.
func (f *agentFlags) apply(cmd *cobra.Command, c *cli) {
	flags := cmd.Flags()
	if flags.Changed("app-id") {
		c.cfg.AppID = f.appID
	}
	if flags.Changed("key-path") {
		// A key path on the command line replaces whatever key source the
		// environment names.
		c.cfg.AppSecretCertificateFile = f.keyPath
		c.cfg.AppSecretCertificateEnvVar = ""
		c.cfg.AppSecretName = ""
		c.cfg.KMSKey = ""
	}
	if flags.Changed("github-url") {
		c.cfg.GitHubURL = f.githubURL
	}
	if flags.Changed("connection-timeout") {
		c.cfg.ConnectionTimeout = f.connectionTimeout
	}
	if flags.Changed("single-flight") {
		c.cfg.SingleFlight = f.singleFlight
	}
}

func runAgent(cmd *cobra.Command, c *cli, socketPath string) error {
	ctx := cmd.Context()
	cfg := c.cfg

	atr, err := ghtransport.New(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := ghapp.New(atr)
	if err != nil {
		return err
	}

	var opts []tokencache.Option
	if cfg.SingleFlight {
		opts = append(opts, tokencache.WithSingleFlight(cfg.ConnectionTimeout))
	}
	srv := agent.New(socketPath, tokencache.New(provider, opts...), agent.WithConnectionTimeout(cfg.ConnectionTimeout))
	if err := srv.Listen(); err != nil {
		return err
	}

	clog.FromContext(ctx).With("app", provider.AppID(), "github", atr.BaseURL).Infof("agent ready on %s", socketPath)
	return srv.Serve(ctx)
}
