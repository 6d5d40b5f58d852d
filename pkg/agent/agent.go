// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agent serves git credential requests on a Unix socket.
//
// Every connection carries one request: the client writes attr=value lines,
// the agent answers with an x-access-token username and an installation
// token as the password, then closes the connection. Requests that cannot be
// served are answered by closing the connection without writing anything,
// which git treats as "no credentials from this helper".
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/octo-sts/credential-agent/pkg/credential"
	"github.com/octo-sts/credential-agent/pkg/protocol"
)

const (
	// DefaultConnectionTimeout bounds the lifetime of a single connection,
	// from accept to close.
	DefaultConnectionTimeout = 30 * time.Second

	// socketMode restricts the socket to its owner. Anyone able to connect
	// can mint tokens for every installation of the app.
	socketMode os.FileMode = 0o700

	// maxRequestSize caps how much of a request is read. Real requests are
	// a handful of short lines.
	maxRequestSize = 1024 * 1024

	// drainTimeout bounds how long a finished connection waits for the
	// client to close its side.
	drainTimeout = time.Second

	acceptRetryDelay = 50 * time.Millisecond
)

var (
	// ErrBind is returned when the socket cannot be created.
	ErrBind = errors.New("binding socket")
	// ErrPermission is returned when the socket cannot be restricted to
	// its owner.
	ErrPermission = errors.New("restricting socket permissions")
)

// TokenGetter hands out tokens for repositories.
type TokenGetter interface {
	Get(ctx context.Context, repo credential.Repository) (credential.Token, error)
}

// Option configures a Server.
type Option func(*Server)

// WithConnectionTimeout overrides DefaultConnectionTimeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Server accepts credential requests on a Unix socket.
type Server struct {
	socketPath string
	tokens     TokenGetter
	timeout    time.Duration

	listener *net.UnixListener
	conns    sync.WaitGroup
	seq      atomic.Uint64
}

// New creates a Server for socketPath. Call Listen and then Serve.
func New(socketPath string, tokens TokenGetter, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		tokens:     tokens,
		timeout:    DefaultConnectionTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SocketPath returns the path the server binds.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the socket and restricts it to the current user. A stale
// socket left behind by a previous agent is replaced; a socket that still
// has a live agent behind it, or a path that is not a socket, is an error.
func (s *Server) Listen() error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, s.socketPath, err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		l.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("%w %s: %w", ErrPermission, s.socketPath, err)
	}
	s.listener = l
	return nil
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("another agent is serving %s", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, then stops accepting,
// waits for in-flight connections to finish and removes the socket.
// Failures of individual connections are logged and never stop the loop.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	l := s.listener
	defer func() {
		l.Close()
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			clog.WarnContextf(ctx, "removing socket %s: %v", s.socketPath, err)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()

	clog.InfoContextf(ctx, "listening on %s", s.socketPath)

	// Connections already accepted run to completion on their own deadline
	// after shutdown begins.
	connCtx := context.WithoutCancel(ctx)
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			clog.ErrorContextf(ctx, "accept failed: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(connCtx, conn)
		}()
	}

	clog.InfoContextf(ctx, "shutting down, waiting for open connections")
	s.conns.Wait()
	return nil
}

type state int

const (
	stateParsing state = iota
	stateResolving
	stateResponding
)

func (st state) String() string {
	switch st {
	case stateParsing:
		return "parsing"
	case stateResolving:
		return "resolving"
	case stateResponding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

func (s *Server) handle(ctx context.Context, conn *net.UnixConn) {
	log := clog.FromContext(ctx).With("conn", s.seq.Add(1))
	ctx = clog.WithLogger(ctx, log)

	st := stateParsing
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic while %s: %v", st, r)
		}
		finish(log, conn)
	}()

	deadline := time.Now().Add(s.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		log.Warnf("setting deadline: %v", err)
		return
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	repo, err := protocol.Parse(io.LimitReader(conn, maxRequestSize))
	if err != nil {
		log.Warnf("failed while %s: %v", st, err)
		return
	}
	log = log.With("repo", repo.String())

	st = stateResolving
	tok, err := s.tokens.Get(ctx, repo)
	if err != nil {
		log.Errorf("failed while %s: %v", st, err)
		return
	}

	st = stateResponding
	if err := protocol.WriteCredentials(conn, tok.Secret); err != nil {
		log.Warnf("failed while %s: %v", st, err)
		return
	}
	log.Infof("served token %s", tok.Redacted())
}

// finish shuts down the write half, then discards whatever the client still
// sends so that it reads end-of-stream rather than a connection reset.
func finish(log *clog.Logger, conn *net.UnixConn) {
	if err := conn.CloseWrite(); err != nil {
		log.Debugf("closing write half: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(drainTimeout)); err == nil {
		io.Copy(io.Discard, io.LimitReader(conn, maxRequestSize)) //nolint:errcheck
	}
	conn.Close()
}
