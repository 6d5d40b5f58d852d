// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the agent's side of git's credential helper
// protocol: a request of attr=value lines and a username/password response.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/octo-sts/credential-agent/pkg/credential"
)

const (
	// Username is what GitHub expects alongside an installation token.
	Username = "x-access-token"

	// maxLineSize bounds a single attribute line.
	maxLineSize = 64 * 1024
)

var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrMissingRepoPath     = errors.New("missing repository path")
	ErrInvalidRepoPath     = errors.New("invalid repository path")
)

// Parse reads attribute lines from r until both path and protocol have been
// seen, a blank line arrives, or the stream ends, and returns the repository
// the request is for. Only https requests are accepted.
func Parse(r io.Reader) (credential.Repository, error) {
	var (
		path, proto         string
		havePath, haveProto bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for !(havePath && haveProto) && scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			break
		}
		attr, value, ok := strings.Cut(line, "=")
		if !ok {
			return credential.Repository{}, fmt.Errorf("%w: expected attr=value, got %q", ErrMalformedInput, line)
		}
		switch attr {
		case "path":
			path, havePath = value, true
		case "protocol":
			proto, haveProto = value, true
		}
	}
	if err := scanner.Err(); err != nil {
		return credential.Repository{}, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}

	if proto != "https" {
		return credential.Repository{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, proto)
	}
	if path == "" {
		return credential.Repository{}, ErrMissingRepoPath
	}
	org, name, ok := strings.Cut(path, "/")
	if !ok {
		return credential.Repository{}, fmt.Errorf("%w: %q is not <org>/<repo>", ErrInvalidRepoPath, path)
	}
	// Clone URLs usually carry the .git suffix.
	name = strings.TrimSuffix(name, ".git")
	if !validSegment(org) || !validSegment(name) {
		return credential.Repository{}, fmt.Errorf("%w: %q is not <org>/<repo>", ErrInvalidRepoPath, path)
	}

	return credential.Repository{
		Organization: org,
		Name:         name,
	}, nil
}

// validSegment reports whether s can stand on its own as an organization or
// repository name inside an API path.
func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r <= ' ', r == 0x7f:
			return false
		case strings.ContainsRune(`/\?#%`, r):
			return false
		}
	}
	return true
}

// WriteCredentials writes a successful response carrying secret.
func WriteCredentials(w io.Writer, secret string) error {
	_, err := fmt.Fprintf(w, "username=%s\npassword=%s\n", Username, secret)
	return err
}
