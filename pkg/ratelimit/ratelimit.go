// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit holds outgoing requests to a token bucket.
package ratelimit

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
)

// RoundTripper waits for the limiter before every request.
type RoundTripper struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

// RoundTrip implements http.RoundTripper. It gives up when the request
// context ends before a token is available.
func (r *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := r.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return r.transport.RoundTrip(req)
}

// NewRoundTripper wraps transport, or http.DefaultTransport if nil.
func NewRoundTripper(limiter *rate.Limiter, transport http.RoundTripper) *RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &RoundTripper{
		transport: transport,
		limiter:   limiter,
	}
}
