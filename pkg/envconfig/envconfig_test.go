// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package envconfig

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allVars = []string{
	"GITHUB_APP_ID",
	"GITHUB_URL",
	"KMS_KEY",
	"APP_SECRET_CERTIFICATE_FILE",
	"APP_SECRET_CERTIFICATE_ENV_VAR",
	"APP_SECRET_NAME",
	"SECRET_PROVIDER",
	"CONNECTION_TIMEOUT",
	"GITHUB_API_RATE",
	"GITHUB_API_BURST",
	"MAX_RESPONSE_BYTES",
	"SINGLE_FLIGHT",
	"LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	// envconfig treats an empty value as set, so blank out with Unsetenv
	// after registering the restore with Setenv.
	for _, k := range allVars {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatalf("Unsetenv(%q) = %v", k, err)
		}
	}
}

func TestProcessDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Process()
	require.NoError(t, err)

	want := &EnvConfig{
		GitHubURL:         "https://api.github.com",
		ConnectionTimeout: 30 * time.Second,
		APIRate:           10,
		APIBurst:          20,
		MaxResponseBytes:  1 << 20,
		LogLevel:          "info",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Process() mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_APP_ID", "1234")
	t.Setenv("GITHUB_URL", "https://ghe.example.com/api/v3")
	t.Setenv("APP_SECRET_CERTIFICATE_FILE", "/etc/app/key.pem")
	t.Setenv("CONNECTION_TIMEOUT", "5s")
	t.Setenv("SINGLE_FLIGHT", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Process()
	require.NoError(t, err)
	assert.Equal(t, int64(1234), cfg.AppID)
	assert.Equal(t, "https://ghe.example.com/api/v3", cfg.GitHubURL)
	assert.Equal(t, "/etc/app/key.pem", cfg.AppSecretCertificateFile)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)
	assert.True(t, cfg.SingleFlight)
	assert.NoError(t, cfg.Validate())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestProcessBadValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_APP_ID", "not-a-number")

	cfg, err := Process()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		// wantErrs is the number of problems reported.
		wantErrs int
	}{
		{
			name: "Only KMS_KEY set",
			envVars: map[string]string{
				"GITHUB_APP_ID": "1234",
				"KMS_KEY":       "some-kms-key",
			},
		},
		{
			name: "Only APP_SECRET_CERTIFICATE_FILE set",
			envVars: map[string]string{
				"GITHUB_APP_ID":               "1234",
				"APP_SECRET_CERTIFICATE_FILE": "some-file-path",
			},
		},
		{
			name: "Only APP_SECRET_CERTIFICATE_ENV_VAR set",
			envVars: map[string]string{
				"GITHUB_APP_ID":                  "1234",
				"APP_SECRET_CERTIFICATE_ENV_VAR": "some-env-var",
			},
		},
		{
			name: "Secret manager",
			envVars: map[string]string{
				"GITHUB_APP_ID":   "1234",
				"APP_SECRET_NAME": "projects/p/secrets/s/versions/latest",
				"SECRET_PROVIDER": "gcp",
			},
		},
		{
			name: "Secret manager without provider",
			envVars: map[string]string{
				"GITHUB_APP_ID":   "1234",
				"APP_SECRET_NAME": "app-key",
			},
			wantErrs: 1,
		},
		{
			name: "No key source",
			envVars: map[string]string{
				"GITHUB_APP_ID": "1234",
			},
			wantErrs: 1,
		},
		{
			name: "Multiple variables set",
			envVars: map[string]string{
				"GITHUB_APP_ID":               "1234",
				"KMS_KEY":                     "some-kms-key",
				"APP_SECRET_CERTIFICATE_FILE": "some-file-path",
			},
			wantErrs: 1,
		},
		{
			name: "Everything wrong",
			envVars: map[string]string{
				"CONNECTION_TIMEOUT": "0s",
				"GITHUB_API_RATE":    "0",
				"LOG_LEVEL":          "chatty",
			},
			// app id, key source, timeout, rate, level
			wantErrs: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Process()
			require.NoError(t, err)

			err = cfg.Validate()
			if tt.wantErrs == 0 {
				assert.NoError(t, err)
				return
			}
			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tt.wantErrs, "errors: %v", merr.Errors)
		})
	}
}
