// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package maxsize

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrResponseTooLarge is returned when reading a response body past the limit.
var ErrResponseTooLarge = errors.New("response body too large")

// NewRoundTripper creates a new http.RoundTripper that wraps the given
// http.RoundTripper and fails reads of response bodies longer than maxSize
// bytes.
func NewRoundTripper(maxSize int64, inner http.RoundTripper) http.RoundTripper {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &ms{
		base:        inner,
		maxBodySize: maxSize,
	}
}

type ms struct {
	base        http.RoundTripper
	maxBodySize int64
}

// RoundTrip implements http.RoundTripper
func (rt *ms) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > rt.maxBodySize {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s declared %d bytes, limit is %d", ErrResponseTooLarge, req.Method, req.URL.Redacted(), resp.ContentLength, rt.maxBodySize)
	}

	resp.Body = &lr{
		// One byte of slack tells a body of exactly the limit apart from a
		// longer one.
		r:     io.LimitReader(resp.Body, rt.maxBodySize+1),
		left:  rt.maxBodySize,
		close: resp.Body.Close,
	}
	return resp, nil
}

type lr struct {
	r     io.Reader
	left  int64
	close func() error
}

// Read implements io.Reader
func (r *lr) Read(p []byte) (int, error) {
	if r.left < 0 {
		return 0, ErrResponseTooLarge
	}
	n, err := r.r.Read(p)
	r.left -= int64(n)
	if r.left < 0 {
		return n + int(r.left), ErrResponseTooLarge
	}
	return n, err
}

// Close implements io.Closer
func (r *lr) Close() error {
	return r.close()
}
