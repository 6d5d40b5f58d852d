// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/chainguard-dev/clog"
	"github.com/octo-sts/credential-agent/pkg/relay"
	"github.com/spf13/cobra"
)

func newClientCmd(_ *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "client <socket-path> <get|store|erase>",
		Short: "Git credential helper that asks a running agent",
		Long: `client implements the git credential helper protocol. "get" forwards git's
request to the agent and prints its answer. The agent's tokens are not
stored by git, so "store", "erase" and any other operation do nothing.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"get", "store", "erase"},
		RunE: func(cmd *cobra.Command, args []string) error {
			socketPath, op := args[0], args[1]
			if op != "get" {
				// Helpers ignore operations they do not implement.
				clog.FromContext(cmd.Context()).Debugf("ignoring %s", op)
				return nil
			}
			return relay.Run(cmd.Context(), socketPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
