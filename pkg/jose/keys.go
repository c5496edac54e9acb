// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/stacklok/umauth/pkg/logger"
	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// Key types.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
)

const rsaKeyBits = 2048

// generateKeyMaterial creates fresh private key material for the given key type.
func generateKeyMaterial(kty string) (any, error) {
	switch kty {
	case KeyTypeRSA:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case KeyTypeEC:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q", kty)
	}
}

// GenerateKey creates a new stored key with fresh material. The kid is
// generated once and preserved across rotations.
func GenerateKey(kty, use, alg string) (*storage.JSONWebKey, error) {
	material, err := generateKeyMaterial(kty)
	if err != nil {
		return nil, err
	}

	kid := uuid.NewString()
	return &storage.JSONWebKey{
		KID: kid,
		Kty: kty,
		Use: use,
		Alg: alg,
		Key: jose.JSONWebKey{
			Key:       material,
			KeyID:     kid,
			Use:       use,
			Algorithm: alg,
		},
	}, nil
}

// EnsureDefaultKeys seeds the key store with one RSA signing key (RS256) and
// one RSA encryption key (RSA-OAEP) when the store is empty. It is safe to
// call on every startup.
func (e *Engine) EnsureDefaultKeys(ctx context.Context) error {
	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return oautherr.Internal("failed to load key set", err)
	}
	if len(keys) > 0 {
		return nil
	}

	sig, err := GenerateKey(KeyTypeRSA, UseSignature, string(jose.RS256))
	if err != nil {
		return oautherr.Internal("failed to generate signing key", err)
	}
	enc, err := GenerateKey(KeyTypeRSA, UseEncryption, string(jose.RSA_OAEP))
	if err != nil {
		return oautherr.Internal("failed to generate encryption key", err)
	}

	if err := e.keys.AddKey(ctx, sig); err != nil {
		return oautherr.Internal("failed to store signing key", err)
	}
	if err := e.keys.AddKey(ctx, enc); err != nil {
		return oautherr.Internal("failed to store encryption key", err)
	}

	logger.Infow("seeded default key set", "sig_kid", sig.KID, "enc_kid", enc.KID)
	return nil
}

// RotateKeys regenerates the material of every stored key in place (same kid,
// same purpose) and then bulk-invalidates all stored tokens. Clearing tokens
// is a required side effect: ID tokens signed with the old material can no
// longer be re-validated reliably, so the server fails closed.
func (e *Engine) RotateKeys(ctx context.Context) error {
	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return oautherr.Internal("failed to load key set", err)
	}

	// Generate all replacement material before touching the store so a
	// generation failure leaves the key set untouched.
	rotated := make([]*storage.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		material, err := generateKeyMaterial(k.Kty)
		if err != nil {
			return oautherr.Internal(fmt.Sprintf("failed to regenerate key %q", k.KID), err)
		}
		rotated = append(rotated, &storage.JSONWebKey{
			KID: k.KID,
			Kty: k.Kty,
			Use: k.Use,
			Alg: k.Alg,
			Key: jose.JSONWebKey{
				Key:       material,
				KeyID:     k.KID,
				Use:       k.Use,
				Algorithm: k.Alg,
			},
		})
	}

	for _, k := range rotated {
		if err := e.keys.UpdateKey(ctx, k); err != nil {
			return oautherr.Internal(fmt.Sprintf("failed to update key %q", k.KID), err)
		}
	}

	if err := e.tokens.Clean(ctx); err != nil {
		return oautherr.Internal("failed to invalidate tokens after rotation", err)
	}

	logger.Infow("rotated key set", "keys", len(rotated))
	return nil
}
