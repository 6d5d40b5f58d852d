// Copyright 2025 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

package aws

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyARN = "arn:aws:kms:us-east-1:111122223333:key/1234abcd-12ab-34cd-56ef-1234567890ab"

type fakeKMS struct {
	key *rsa.PrivateKey
}

func (f *fakeKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	if aws.ToString(in.KeyId) != testKeyARN {
		return nil, &types.NotFoundException{Message: aws.String("key not found")}
	}
	if in.MessageType != types.MessageTypeRaw || in.SigningAlgorithm != types.SigningAlgorithmSpecRsassaPkcs1V15Sha256 {
		return nil, &types.InvalidKeyUsageException{Message: aws.String("unexpected signing request")}
	}
	digest := sha256.Sum256(in.Message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{KeyId: in.KeyId, Signature: sig}, nil
}

func TestSignVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := New(context.Background(), &fakeKMS{key: key}, testKeyARN)
	require.NoError(t, err)

	signed, err := signer.Sign(jwt.RegisteredClaims{Issuer: "12345"})
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "RS256", tok.Header["alg"])
	assert.Equal(t, "12345", claims.Issuer)
}

func TestSignUnknownKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := New(context.Background(), &fakeKMS{key: key}, "arn:aws:kms:us-east-1:111122223333:key/other")
	require.NoError(t, err)

	_, err = signer.Sign(jwt.RegisteredClaims{Issuer: "12345"})
	var nf *types.NotFoundException
	assert.ErrorAs(t, err, &nf)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), &fakeKMS{}, "")
	assert.Error(t, err)
}

func TestSigningMethodAWS_AlgIsRS256(t *testing.T) {
	method := &signingMethodAWS{}
	assert.Equal(t, method.Alg(), "RS256")
}

func TestSigningMethodAWS_Verify_NotImplemented(t *testing.T) {
	method := &signingMethodAWS{}
	err := method.Verify("string", "signature", "key")
	assert.ErrorContains(t, err, "not implemented")
}

func TestIsKeyARN(t *testing.T) {
	for key, want := range map[string]bool{
		testKeyARN: true,
		"arn:aws-us-gov:kms:us-gov-west-1:111122223333:key/abc": true,
		"projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1": false,
		"arn:aws:secretsmanager:us-east-1:111122223333:secret:app":                false,
	} {
		assert.Equal(t, want, IsKeyARN(key), key)
	}
}
