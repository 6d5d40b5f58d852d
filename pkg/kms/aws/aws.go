// Copyright 2025 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aws signs GitHub App JWTs with an RSA key held in AWS KMS.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
)

// KeySigner is the part of the KMS client used here.
type KeySigner interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// IsKeyARN reports whether key names an AWS KMS key rather than a Cloud KMS
// key version.
func IsKeyARN(key string) bool {
	return strings.HasPrefix(key, "arn:aws:kms:") ||
		strings.HasPrefix(key, "arn:aws-cn:kms:") ||
		strings.HasPrefix(key, "arn:aws-us-gov:kms:")
}

type signingMethodAWS struct {
	ctx    context.Context
	client KeySigner
}

func (s *signingMethodAWS) Verify(signingString, signature string, key interface{}) error {
	return errors.New("not implemented")
}

func (s *signingMethodAWS) Sign(signingString string, ikey interface{}) (string, error) {
	key, ok := ikey.(string)
	if !ok {
		return "", fmt.Errorf("invalid key reference type: %T", ikey)
	}
	resp, err := s.client.Sign(s.ctx, &kms.SignInput{
		KeyId:            aws.String(key),
		Message:          []byte(signingString),
		MessageType:      types.MessageTypeRaw,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return "", fmt.Errorf("signing with %s: %w", key, err)
	}
	return base64.RawURLEncoding.EncodeToString(resp.Signature), nil
}

func (s *signingMethodAWS) Alg() string {
	return "RS256"
}

type awsSigner struct {
	ctx    context.Context
	client KeySigner
	key    string
}

// New returns a signer for the KMS key key, an ARN or key ID. Signing calls
// are made with ctx.
func New(ctx context.Context, client KeySigner, key string) (ghinstallation.Signer, error) {
	if key == "" {
		return nil, errors.New("no KMS key given")
	}
	return &awsSigner{
		ctx:    ctx,
		client: client,
		key:    key,
	}, nil
}

// Sign signs the JWT claims with the KMS key.
func (s *awsSigner) Sign(claims jwt.Claims) (string, error) {
	method := &signingMethodAWS{
		ctx:    s.ctx,
		client: s.client,
	}
	return jwt.NewWithClaims(method, claims).SignedString(s.key)
}
