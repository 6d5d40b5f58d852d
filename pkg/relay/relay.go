// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay is the client half of the agent: git runs it as a
// credential helper and it shuttles the request and response between git's
// pipes and the agent's socket.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Run connects to the agent at socketPath, copies stdin to the agent and the
// agent's reply to stdout, and returns once both directions are done.
func Run(ctx context.Context, socketPath string, stdin io.Reader, stdout io.Writer) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to agent: %w", err)
	}
	conn := c.(*net.UnixConn)
	defer conn.Close()

	// Unblock both copies if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(conn, stdin)
		// The agent stops reading once it has a complete request and may
		// already have hung up.
		if err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("sending request: %w", err)
		}
		if err := conn.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			clog.FromContext(ctx).Debugf("closing write half: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.Copy(stdout, conn); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
