// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokencache maps repositories to GitHub App installations and
// installations to installation tokens, refreshing tokens through a Provider
// as they approach expiry.
//
// Both maps are guarded by their own RWMutex. Lookups take the read lock,
// provider calls run with no lock held, and the write lock is taken only to
// store a result. Two concurrent misses for the same key may therefore both
// reach the provider; the last result stored wins. WithSingleFlight collapses
// such calls into one.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/octo-sts/credential-agent/pkg/credential"
	"golang.org/x/sync/singleflight"
)

// ErrTokenAcquisition wraps every failure to produce a token.
var ErrTokenAcquisition = errors.New("token acquisition failed")

// Provider performs the remote half of token acquisition.
type Provider interface {
	ResolveInstallation(ctx context.Context, org, name string) (credential.InstallationID, error)
	IssueAccessToken(ctx context.Context, id credential.InstallationID) (credential.Token, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSingleFlight de-duplicates concurrent provider calls for the same
// repository or installation. A shared call is detached from the caller
// that started it and bounded by timeout instead, so one caller giving up
// does not fail the others.
func WithSingleFlight(timeout time.Duration) Option {
	return func(c *Cache) {
		c.flights = &singleflight.Group{}
		if timeout > 0 {
			c.flightTimeout = timeout
		}
	}
}

// DefaultFlightTimeout bounds a shared provider call.
const DefaultFlightTimeout = 30 * time.Second

// Cache is safe for concurrent use.
type Cache struct {
	provider Provider
	now      func() time.Time
	flights  *singleflight.Group

	flightTimeout time.Duration

	imu           sync.RWMutex
	installations map[credential.Repository]credential.InstallationID

	tmu    sync.RWMutex
	tokens map[credential.InstallationID]credential.Token
}

// New creates an empty Cache backed by provider.
func New(provider Provider, opts ...Option) *Cache {
	c := &Cache{
		provider:      provider,
		now:           time.Now,
		flightTimeout: DefaultFlightTimeout,
		installations: make(map[credential.Repository]credential.InstallationID),
		tokens:        make(map[credential.InstallationID]credential.Token),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a token for repo that stays valid for at least
// credential.SkewMargin.
func (c *Cache) Get(ctx context.Context, repo credential.Repository) (credential.Token, error) {
	log := clog.FromContext(ctx).With("repo", repo.String())

	id, known := c.installation(repo)
	if !known {
		var err error
		id, err = c.resolve(ctx, repo)
		if err != nil {
			return credential.Token{}, fmt.Errorf("%w: resolving installation for %s: %w", ErrTokenAcquisition, repo, err)
		}
		log.Debugf("resolved installation %d", id)
	}

	if tok, ok := c.token(id); ok && tok.Valid(c.now()) {
		log.Debugf("token cache hit for installation %d", id)
		if !known {
			c.storeInstallation(repo, id)
		}
		return tok, nil
	}

	tok, err := c.issue(ctx, id)
	if err != nil {
		return credential.Token{}, fmt.Errorf("%w: issuing token for installation %d: %w", ErrTokenAcquisition, id, err)
	}
	log.Infof("issued token %s for installation %d (expires %s)", tok.Redacted(), id, tok.ExpiresAt.Format(time.RFC3339))

	c.storeInstallation(repo, id)
	c.tmu.Lock()
	c.tokens[id] = tok
	c.tmu.Unlock()

	return tok, nil
}

func (c *Cache) installation(repo credential.Repository) (credential.InstallationID, bool) {
	c.imu.RLock()
	defer c.imu.RUnlock()
	id, ok := c.installations[repo]
	return id, ok
}

func (c *Cache) storeInstallation(repo credential.Repository, id credential.InstallationID) {
	c.imu.Lock()
	defer c.imu.Unlock()
	c.installations[repo] = id
}

func (c *Cache) token(id credential.InstallationID) (credential.Token, bool) {
	c.tmu.RLock()
	defer c.tmu.RUnlock()
	tok, ok := c.tokens[id]
	return tok, ok
}

func (c *Cache) resolve(ctx context.Context, repo credential.Repository) (credential.InstallationID, error) {
	if c.flights == nil {
		return c.provider.ResolveInstallation(ctx, repo.Organization, repo.Name)
	}
	v, err := c.shared(ctx, "install:"+repo.String(), func(ctx context.Context) (any, error) {
		return c.provider.ResolveInstallation(ctx, repo.Organization, repo.Name)
	})
	if err != nil {
		return 0, err
	}
	return v.(credential.InstallationID), nil
}

func (c *Cache) issue(ctx context.Context, id credential.InstallationID) (credential.Token, error) {
	if c.flights == nil {
		return c.provider.IssueAccessToken(ctx, id)
	}
	v, err := c.shared(ctx, "token:"+strconv.FormatInt(int64(id), 10), func(ctx context.Context) (any, error) {
		return c.provider.IssueAccessToken(ctx, id)
	})
	if err != nil {
		return credential.Token{}, err
	}
	return v.(credential.Token), nil
}

// shared runs fn once for all concurrent callers with the same key. Each
// caller waits only as long as its own ctx allows.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.flights.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
