// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/octo-sts/credential-agent/pkg/agent"
	"github.com/octo-sts/credential-agent/pkg/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens map[credential.Repository]string

func (s staticTokens) Get(_ context.Context, repo credential.Repository) (credential.Token, error) {
	tok, ok := s[repo]
	if !ok {
		return credential.Token{}, credential.ErrNotFound
	}
	return credential.Token{Secret: tok, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func startAgent(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "relay")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	srv := agent.New(path, staticTokens{
		{Organization: "acme", Name: "widgets"}: "abc123",
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path
}

func TestRun(t *testing.T) {
	path := startAgent(t)

	for _, tc := range []struct {
		name  string
		stdin string
		want  string
	}{{
		name:  "get",
		stdin: "protocol=https\nhost=github.com\npath=acme/widgets.git\n\n",
		want:  "username=x-access-token\npassword=abc123\n",
	}, {
		name:  "trailing attributes after a complete request",
		stdin: "path=acme/widgets\nprotocol=https\n" + strings.Repeat("wwwauth[]=Basic realm=\"GitHub\"\n", 4096) + "\n",
		want:  "username=x-access-token\npassword=abc123\n",
	}, {
		name:  "unknown repository",
		stdin: "protocol=https\npath=acme/gadgets\n\n",
		want:  "",
	}, {
		name:  "unsupported protocol",
		stdin: "protocol=http\n\n",
		want:  "",
	}} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var stdout bytes.Buffer
			require.NoError(t, Run(ctx, path, strings.NewReader(tc.stdin), &stdout))
			assert.Equal(t, tc.want, stdout.String())
		})
	}
}

func TestRunNoAgent(t *testing.T) {
	dir, err := os.MkdirTemp("", "relay")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	var stdout bytes.Buffer
	err = Run(context.Background(), filepath.Join(dir, "missing.sock"), strings.NewReader(""), &stdout)
	assert.ErrorContains(t, err, "connecting to agent")
	assert.Empty(t, stdout.String())
}
