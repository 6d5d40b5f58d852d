// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gcpkms signs GitHub App JWTs with an RSA key held in Cloud KMS, so
// the app's private key never has to be on the machine running the agent.
package gcpkms

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
)

type signingMethodGCP struct {
	ctx    context.Context
	client *kms.KeyManagementClient
}

func (s *signingMethodGCP) Verify(string, string, interface{}) error {
	return errors.New("not implemented")
}

// Sign has KMS sign the SHA-256 digest of signingString. The key version
// must use the RSA_SIGN_PKCS1_*_SHA256 algorithm.
func (s *signingMethodGCP) Sign(signingString string, ikey interface{}) (string, error) {
	key, ok := ikey.(string)
	if !ok {
		return "", fmt.Errorf("invalid key reference type: %T", ikey)
	}
	digest := sha256.Sum256([]byte(signingString))
	resp, err := s.client.AsymmetricSign(s.ctx, &kmspb.AsymmetricSignRequest{
		Name: key,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest[:]},
		},
	})
	if err != nil {
		return "", fmt.Errorf("signing with %s: %w", key, err)
	}
	return base64.RawURLEncoding.EncodeToString(resp.Signature), nil
}

func (s *signingMethodGCP) Alg() string {
	return "RS256"
}

type gcpSigner struct {
	ctx    context.Context
	client *kms.KeyManagementClient
	key    string
}

// New returns a signer for the KMS key version named key, for example
// projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1.
// Signing calls are made with ctx.
func New(ctx context.Context, client *kms.KeyManagementClient, key string) (ghinstallation.Signer, error) {
	if key == "" {
		return nil, errors.New("no KMS key version given")
	}
	return &gcpSigner{
		ctx:    ctx,
		client: client,
		key:    key,
	}, nil
}

// Sign signs the JWT claims with the KMS key.
func (s *gcpSigner) Sign(claims jwt.Claims) (string, error) {
	method := &signingMethodGCP{
		ctx:    s.ctx,
		client: s.client,
	}
	return jwt.NewWithClaims(method, claims).SignedString(s.key)
}
