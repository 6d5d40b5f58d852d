// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

// Secret providers understood by SECRET_PROVIDER.
const (
	SecretProviderGCP = "gcp"
	SecretProviderAWS = "aws"
)

type EnvConfig struct {
	AppID                      int64         `envconfig:"GITHUB_APP_ID" required:"false"`
	GitHubURL                  string        `envconfig:"GITHUB_URL" required:"false" default:"https://api.github.com"`
	KMSKey                     string        `envconfig:"KMS_KEY" required:"false"`
	AppSecretCertificateFile   string        `envconfig:"APP_SECRET_CERTIFICATE_FILE" required:"false"`
	AppSecretCertificateEnvVar string        `envconfig:"APP_SECRET_CERTIFICATE_ENV_VAR" required:"false"`
	AppSecretName              string        `envconfig:"APP_SECRET_NAME" required:"false"`
	SecretProvider             string        `envconfig:"SECRET_PROVIDER" required:"false"`
	ConnectionTimeout          time.Duration `envconfig:"CONNECTION_TIMEOUT" required:"false" default:"30s"`
	APIRate                    float64       `envconfig:"GITHUB_API_RATE" required:"false" default:"10"`
	APIBurst                   int           `envconfig:"GITHUB_API_BURST" required:"false" default:"20"`
	MaxResponseBytes           int64         `envconfig:"MAX_RESPONSE_BYTES" required:"false" default:"1048576"`
	SingleFlight               bool          `envconfig:"SINGLE_FLIGHT" required:"false" default:"false"`
	LogLevel                   string        `envconfig:"LOG_LEVEL" required:"false" default:"info"`
}

// Process reads the configuration from the environment. It does not
// validate, since command line flags may still fill in required values.
func Process() (*EnvConfig, error) {
	cfg := new(EnvConfig)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (cfg *EnvConfig) Validate() error {
	var errs *multierror.Error

	if cfg.AppID <= 0 {
		errs = multierror.Append(errs, errors.New("GITHUB_APP_ID must be set to a positive integer"))
	}
	if cfg.GitHubURL == "" {
		errs = multierror.Append(errs, errors.New("GITHUB_URL must not be empty"))
	}

	sources := 0
	for _, v := range []string{cfg.KMSKey, cfg.AppSecretCertificateFile, cfg.AppSecretCertificateEnvVar, cfg.AppSecretName} {
		if v != "" {
			sources++
		}
	}
	switch sources {
	case 0:
		errs = multierror.Append(errs, errors.New("no private key source set, need one of KMS_KEY, APP_SECRET_CERTIFICATE_FILE, APP_SECRET_CERTIFICATE_ENV_VAR or APP_SECRET_NAME"))
	case 1:
	default:
		errs = multierror.Append(errs, errors.New("only one of KMS_KEY, APP_SECRET_CERTIFICATE_FILE, APP_SECRET_CERTIFICATE_ENV_VAR and APP_SECRET_NAME may be set"))
	}

	if cfg.AppSecretName != "" {
		switch cfg.SecretProvider {
		case SecretProviderGCP, SecretProviderAWS:
		default:
			errs = multierror.Append(errs, fmt.Errorf("SECRET_PROVIDER must be %q or %q, got %q", SecretProviderGCP, SecretProviderAWS, cfg.SecretProvider))
		}
	}

	if cfg.ConnectionTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("CONNECTION_TIMEOUT must be positive, got %s", cfg.ConnectionTimeout))
	}
	if cfg.APIRate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("GITHUB_API_RATE must be positive, got %v", cfg.APIRate))
	}
	if cfg.APIBurst <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("GITHUB_API_BURST must be positive, got %d", cfg.APIBurst))
	}
	if cfg.MaxResponseBytes <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MAX_RESPONSE_BYTES must be positive, got %d", cfg.MaxResponseBytes))
	}
	if _, err := cfg.Level(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// Level parses LogLevel.
func (cfg *EnvConfig) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	return level, nil
}
