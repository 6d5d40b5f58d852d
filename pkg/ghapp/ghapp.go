// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package ghapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/octo-sts/credential-agent/pkg/credential"
)

const (
	defaultMaxTries    = 3
	defaultNotFoundTTL = time.Minute
	notFoundCacheSize  = 200
)

// Option configures a Provider.
type Option func(*Provider)

// WithMaxTries sets how many attempts a retryable call gets.
func WithMaxTries(n uint) Option {
	return func(p *Provider) {
		p.maxTries = n
	}
}

// WithRetryInterval sets the initial backoff between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.retryInterval = d
	}
}

// WithNotFoundTTL sets how long a missing installation is remembered.
func WithNotFoundTTL(d time.Duration) Option {
	return func(p *Provider) {
		p.notFoundTTL = d
	}
}

// Provider resolves installations and issues installation tokens. Its
// fields are not modified after New returns.
type Provider struct {
	atr    *ghinstallation.AppsTransport
	client *github.Client

	maxTries      uint
	retryInterval time.Duration
	notFoundTTL   time.Duration

	// notFound remembers repositories the app is not installed on, so a
	// client retrying a clone does not turn into an API call per attempt.
	notFound *expirable.LRU[credential.Repository, struct{}]
}

// New creates a Provider that authenticates as the app behind atr and talks
// to the API at atr.BaseURL.
func New(atr *ghinstallation.AppsTransport, opts ...Option) (*Provider, error) {
	p := &Provider{
		atr:           atr,
		maxTries:      defaultMaxTries,
		retryInterval: 200 * time.Millisecond,
		notFoundTTL:   defaultNotFoundTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	client := github.NewClient(&http.Client{
		Transport: atr,
	})
	if atr.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(atr.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub API URL %q: %w", atr.BaseURL, err)
		}
		client.BaseURL = base
	}
	p.client = client
	p.notFound = expirable.NewLRU[credential.Repository, struct{}](notFoundCacheSize, nil, p.notFoundTTL)
	return p, nil
}

// AppID returns the ID of the app the provider authenticates as.
func (p *Provider) AppID() int64 {
	return p.atr.AppID()
}

// ResolveInstallation returns the installation of the app that covers
// org/name.
func (p *Provider) ResolveInstallation(ctx context.Context, org, name string) (credential.InstallationID, error) {
	repo := credential.Repository{Organization: org, Name: name}
	if !pathSegment(org) || !pathSegment(name) {
		return 0, fmt.Errorf("%w: %q is not a repository", credential.ErrNotFound, repo)
	}
	if _, ok := p.notFound.Get(repo); ok {
		clog.InfoContextf(ctx, "installation for %s recently not found, not asking again", repo)
		return 0, fmt.Errorf("%w for %s (cached)", credential.ErrNotFound, repo)
	}

	install, err := backoff.Retry(ctx, func() (*github.Installation, error) {
		install, _, err := p.client.Apps.FindRepositoryInstallation(ctx, url.PathEscape(org), url.PathEscape(name))
		if err != nil {
			return nil, classify(ctx, fmt.Sprintf("looking up installation for %s", repo), err, credential.ErrNotFound)
		}
		return install, nil
	}, p.retryOptions(ctx)...)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			p.notFound.Add(repo, struct{}{})
		}
		return 0, err
	}
	if install.GetID() == 0 {
		return 0, fmt.Errorf("%w: installation for %s has no ID", credential.ErrTransport, repo)
	}
	return credential.InstallationID(install.GetID()), nil
}

// pathSegment reports whether s stays a single segment once escaped.
func pathSegment(s string) bool {
	return s != "" && s != "." && s != ".."
}

// IssueAccessToken mints a new token for the installation.
func (p *Provider) IssueAccessToken(ctx context.Context, id credential.InstallationID) (credential.Token, error) {
	return backoff.Retry(ctx, func() (credential.Token, error) {
		tok, _, err := p.client.Apps.CreateInstallationToken(ctx, int64(id), nil)
		if err != nil {
			return credential.Token{}, classify(ctx, fmt.Sprintf("issuing token for installation %d", id), err, credential.ErrUnauthorized)
		}
		if tok.GetToken() == "" || tok.GetExpiresAt().IsZero() {
			return credential.Token{}, backoff.Permanent(fmt.Errorf("%w: token for installation %d is incomplete", credential.ErrTransport, id))
		}
		return credential.Token{
			Secret:    tok.GetToken(),
			ExpiresAt: tok.GetExpiresAt().Time,
		}, nil
	}, p.retryOptions(ctx)...)
}

func (p *Provider) retryOptions(ctx context.Context) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			clog.WarnContextf(ctx, "retrying in %s: %v", next, err)
		}),
	}
}

// classify maps an API failure onto the credential error kinds and marks
// the failures that retrying cannot fix as permanent. A 404 is reported as
// missing.
func classify(ctx context.Context, what string, err, missing error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", credential.ErrTransport, what, err))
	}

	resp := responseOf(err)
	if resp == nil {
		return fmt.Errorf("%w: %s: %w", credential.ErrTransport, what, err)
	}

	if resp.Body != nil {
		defer resp.Body.Close()
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", missing, what, err))

	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", credential.ErrUnauthorized, what, err))

	case code == http.StatusUnprocessableEntity:
		// GitHub explains what was wrong with the request in the body,
		// which the transport error does not include.
		if resp.Body != nil {
			if body, rerr := io.ReadAll(resp.Body); rerr == nil && len(body) > 0 {
				return backoff.Permanent(fmt.Errorf("%w: %s: %s", credential.ErrUnauthorized, what, body))
			}
		}
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", credential.ErrUnauthorized, what, err))

	case code >= 500:
		return fmt.Errorf("%w: %s: %w", credential.ErrTransport, what, err)

	default:
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", credential.ErrTransport, what, err))
	}
}

func responseOf(err error) *http.Response {
	var herr *ghinstallation.HTTPError
	if errors.As(err, &herr) {
		return herr.Response
	}
	var gerr *github.ErrorResponse
	if errors.As(err, &gerr) {
		return gerr.Response
	}
	var rerr *github.RateLimitError
	if errors.As(err, &rerr) {
		return rerr.Response
	}
	var aerr *github.AbuseRateLimitError
	if errors.As(err, &aerr) {
		return aerr.Response
	}
	return nil
}
