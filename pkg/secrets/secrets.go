// Copyright 2025 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets fetches the app's private key from a cloud secret manager.
package secrets

import (
	"context"
	"fmt"

	gcpSM "cloud.google.com/go/secretmanager/apiv1"
	"github.com/aws/aws-sdk-go-v2/config"
	awsSM "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/chainguard-dev/clog"
	"github.com/octo-sts/credential-agent/pkg/secrets/aws"
	"github.com/octo-sts/credential-agent/pkg/secrets/gcp"
)

type SecretProvider interface {
	GetSecret(ctx context.Context, keyID string) ([]byte, error)
}

const (
	AWS = "aws"
	GCP = "gcp"
)

type secretProvider struct {
	provider         string
	gcpSecretManager *gcpSM.Client
	awsSecretManager aws.SecretValueGetter
}

func (s *secretProvider) GetSecret(ctx context.Context, keyID string) ([]byte, error) {
	clog.FromContext(ctx).With("provider", s.provider).Infof("fetching secret %s", keyID)
	switch s.provider {
	case AWS:
		return aws.GetSecret(ctx, s.awsSecretManager, keyID)
	case GCP:
		return gcp.GetSecret(ctx, s.gcpSecretManager, keyID)
	default:
		return nil, fmt.Errorf("unsupported secret provider %q", s.provider)
	}
}

// NewSecretProvider connects to the named provider using the ambient
// credentials of the process.
func NewSecretProvider(ctx context.Context, provider string) (SecretProvider, error) {
	switch provider {
	case AWS:
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return NewAWS(awsSM.NewFromConfig(awsConfig)), nil
	case GCP:
		client, err := gcpSM.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating Secret Manager client: %w", err)
		}
		return NewGCP(client), nil
	default:
		return nil, fmt.Errorf("unsupported secret provider %q", provider)
	}
}

// NewGCP reads secrets through an existing Secret Manager client.
func NewGCP(client *gcpSM.Client) SecretProvider {
	return &secretProvider{
		provider:         GCP,
		gcpSecretManager: client,
	}
}

// NewAWS reads secrets through an existing Secrets Manager client.
func NewAWS(client aws.SecretValueGetter) SecretProvider {
	return &secretProvider{
		provider:         AWS,
		awsSecretManager: client,
	}
}
