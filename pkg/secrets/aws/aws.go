// Copyright 2025 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsSM "github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretValueGetter is the part of the Secrets Manager client used here.
type SecretValueGetter interface {
	GetSecretValue(ctx context.Context, params *awsSM.GetSecretValueInput, optFns ...func(*awsSM.Options)) (*awsSM.GetSecretValueOutput, error)
}

// GetSecret returns the current value of the secret keyID, which may be a
// name or an ARN.
func GetSecret(ctx context.Context, manager SecretValueGetter, keyID string) ([]byte, error) {
	req := awsSM.GetSecretValueInput{SecretId: aws.String(keyID)}
	resp, err := manager.GetSecretValue(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("error fetching secret %s: %w", keyID, err)
	}

	// Depending on how the secret was stored, it can be either a string or binary.
	if resp.SecretString != nil {
		return []byte(*resp.SecretString), nil
	}
	if len(resp.SecretBinary) == 0 {
		return nil, fmt.Errorf("secret %s has no value", keyID)
	}
	return resp.SecretBinary, nil
}
