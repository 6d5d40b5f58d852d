// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ghtransport builds the transport that authenticates as the GitHub
// App, from whichever private key source the configuration names.
package ghtransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/aws/aws-sdk-go-v2/config"
	awsKMS "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	envConfig "github.com/octo-sts/credential-agent/pkg/envconfig"
	"github.com/octo-sts/credential-agent/pkg/gcpkms"
	kmsaws "github.com/octo-sts/credential-agent/pkg/kms/aws"
	"github.com/octo-sts/credential-agent/pkg/maxsize"
	"github.com/octo-sts/credential-agent/pkg/ratelimit"
	"github.com/octo-sts/credential-agent/pkg/secrets"
	"golang.org/x/time/rate"
)

// ErrNoKeySource is returned when the configuration names no private key.
var ErrNoKeySource = errors.New("no GitHub App private key configured")

type options struct {
	base      http.RoundTripper
	kmsClient *kms.KeyManagementClient
	awsKMS    kmsaws.KeySigner
	secrets   secrets.SecretProvider
}

// Option configures New.
type Option func(*options)

// WithBaseTransport replaces http.DefaultTransport under the rate and size
// limits.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

// WithKMSClient uses client for KMS_KEY instead of dialing Cloud KMS.
func WithKMSClient(client *kms.KeyManagementClient) Option {
	return func(o *options) {
		o.kmsClient = client
	}
}

// WithAWSKMSClient uses client for a KMS_KEY that is an AWS key ARN instead
// of loading the default AWS configuration.
func WithAWSKMSClient(client kmsaws.KeySigner) Option {
	return func(o *options) {
		o.awsKMS = client
	}
}

// WithSecretProvider uses sp for APP_SECRET_NAME instead of connecting to the
// provider named by SECRET_PROVIDER.
func WithSecretProvider(sp secrets.SecretProvider) Option {
	return func(o *options) {
		o.secrets = sp
	}
}

// New returns an app transport for env.AppID whose requests are rate limited
// and whose responses are size limited. Its BaseURL is env.GitHubURL.
func New(ctx context.Context, env *envConfig.EnvConfig, opts ...Option) (*ghinstallation.AppsTransport, error) {
	o := &options{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	tr := maxsize.NewRoundTripper(env.MaxResponseBytes,
		ratelimit.NewRoundTripper(rate.NewLimiter(rate.Limit(env.APIRate), env.APIBurst), o.base))

	atr, err := newAppsTransport(ctx, env, o, tr)
	if err != nil {
		return nil, err
	}
	atr.BaseURL = strings.TrimSuffix(env.GitHubURL, "/")
	return atr, nil
}

func newAppsTransport(ctx context.Context, env *envConfig.EnvConfig, o *options, tr http.RoundTripper) (*ghinstallation.AppsTransport, error) {
	log := clog.FromContext(ctx).With("app", env.AppID)

	switch {
	case env.AppSecretCertificateEnvVar != "":
		log.Info("using private key from the environment")
		atr, err := ghinstallation.NewAppsTransport(tr, env.AppID, []byte(env.AppSecretCertificateEnvVar))
		if err != nil {
			return nil, fmt.Errorf("error creating GitHub App transport: %w", err)
		}
		return atr, nil

	case env.AppSecretCertificateFile != "":
		fi, err := os.Stat(env.AppSecretCertificateFile)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		if fi.Mode().Perm()&0o077 != 0 {
			log.Warnf("private key %s has mode %s, it should only be readable by its owner", env.AppSecretCertificateFile, fi.Mode().Perm())
		}
		log.Infof("using private key from %s", env.AppSecretCertificateFile)
		atr, err := ghinstallation.NewAppsTransportKeyFromFile(tr, env.AppID, env.AppSecretCertificateFile)
		if err != nil {
			return nil, fmt.Errorf("error creating GitHub App transport: %w", err)
		}
		return atr, nil

	case env.AppSecretName != "":
		sp := o.secrets
		if sp == nil {
			var err error
			if sp, err = secrets.NewSecretProvider(ctx, env.SecretProvider); err != nil {
				return nil, fmt.Errorf("error creating secret provider: %w", err)
			}
		}
		pem, err := sp.GetSecret(ctx, env.AppSecretName)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		atr, err := ghinstallation.NewAppsTransport(tr, env.AppID, pem)
		if err != nil {
			return nil, fmt.Errorf("error creating GitHub App transport: %w", err)
		}
		return atr, nil

	case kmsaws.IsKeyARN(env.KMSKey):
		client := o.awsKMS
		if client == nil {
			awsConfig, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("loading AWS config: %w", err)
			}
			client = awsKMS.NewFromConfig(awsConfig)
		}
		signer, err := kmsaws.New(ctx, client, env.KMSKey)
		if err != nil {
			return nil, fmt.Errorf("error creating signer: %w", err)
		}
		log.Infof("signing with AWS KMS key %s", env.KMSKey)
		atr, err := ghinstallation.NewAppsTransportWithOptions(tr, env.AppID, ghinstallation.WithSigner(signer))
		if err != nil {
			return nil, fmt.Errorf("error creating GitHub App transport: %w", err)
		}
		return atr, nil

	case env.KMSKey != "":
		client := o.kmsClient
		if client == nil {
			var err error
			if client, err = kms.NewKeyManagementClient(ctx); err != nil {
				return nil, fmt.Errorf("error creating KMS client: %w", err)
			}
		}
		signer, err := gcpkms.New(ctx, client, env.KMSKey)
		if err != nil {
			return nil, fmt.Errorf("error creating signer: %w", err)
		}
		log.Infof("signing with Cloud KMS key %s", env.KMSKey)
		atr, err := ghinstallation.NewAppsTransportWithOptions(tr, env.AppID, ghinstallation.WithSigner(signer))
		if err != nil {
			return nil, fmt.Errorf("error creating GitHub App transport: %w", err)
		}
		return atr, nil

	default:
		return nil, ErrNoKeySource
	}
}
