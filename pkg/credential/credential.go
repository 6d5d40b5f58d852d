// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credential holds the values that flow between the credential
// protocol, the token cache and the GitHub App identity provider.
package credential

import (
	"errors"
	"fmt"
	"time"
)

// SkewMargin is subtracted from a token's expiry before it is handed out, so
// a token never expires while a git operation that uses it is in flight.
const SkewMargin = 5 * time.Minute

var (
	// ErrNotFound means the app has no installation covering the repository.
	ErrNotFound = errors.New("installation not found")
	// ErrUnauthorized means GitHub rejected the app's credentials or the
	// requested token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransport covers network failures, unexpected statuses and
	// malformed responses.
	ErrTransport = errors.New("transport error")
)

// Repository identifies a repository as <organization>/<name>. It is
// comparable and used directly as a map key.
type Repository struct {
	Organization string
	Name         string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Organization, r.Name)
}

// InstallationID is GitHub's identifier for the binding between the app and
// an account's repositories.
type InstallationID int64

// Token is an installation access token.
type Token struct {
	Secret    string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be handed out at now.
func (t Token) Valid(now time.Time) bool {
	return now.Before(t.ExpiresAt.Add(-SkewMargin))
}

// Redacted returns a prefix of the secret that is safe to log.
func (t Token) Redacted() string {
	const keep = 10
	if len(t.Secret) <= keep {
		return "..."
	}
	return t.Secret[:keep] + "..."
}
