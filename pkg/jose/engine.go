// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jose implements the JWT cryptographic layer: compact JWS signing,
// compact JWE encryption, parsing and validation against the server's key
// set, and in-place key rotation.
//
// Key selection is by the "kid" header: an unmatched kid, an unsupported
// algorithm, or a signature/tag mismatch all fail closed with no partial
// payload returned.
package jose

import (
	"context"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/umauth/pkg/oautherr"
	"github.com/stacklok/umauth/pkg/storage"
)

// Key usages.
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// SupportedSignatureAlgorithms are the JWS algorithms the engine accepts.
var SupportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
}

// SupportedKeyAlgorithms are the JWE key management algorithms the engine accepts.
var SupportedKeyAlgorithms = []jose.KeyAlgorithm{
	jose.RSA_OAEP, jose.RSA_OAEP_256, jose.RSA1_5,
	jose.ECDH_ES_A128KW, jose.ECDH_ES_A256KW,
	jose.PBES2_HS256_A128KW, jose.PBES2_HS512_A256KW,
}

// SupportedContentEncryption are the JWE content encryption algorithms the engine accepts.
var SupportedContentEncryption = []jose.ContentEncryption{
	jose.A128CBC_HS256, jose.A256CBC_HS512, jose.A128GCM, jose.A256GCM,
}

// Engine signs, encrypts, parses and validates tokens against the server's
// stored JSON Web Keys. It holds no mutable state of its own; every call
// resolves keys through the key store.
type Engine struct {
	keys   storage.KeyStore
	tokens storage.TokenStore
}

// NewEngine creates an Engine over the given key store. The token store is
// needed because key rotation bulk-invalidates all stored tokens.
func NewEngine(keys storage.KeyStore, tokens storage.TokenStore) *Engine {
	return &Engine{keys: keys, tokens: tokens}
}

// signingKey returns the stored key with the given kid, or the first "sig"
// key when kid is empty.
func (e *Engine) signingKey(ctx context.Context, kid string) (*storage.JSONWebKey, error) {
	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return nil, oautherr.Internal("failed to load key set", err)
	}
	for _, k := range keys {
		if kid != "" && k.KID == kid {
			return k, nil
		}
		if kid == "" && k.Use == UseSignature {
			return k, nil
		}
	}
	return nil, oautherr.Newf(oautherr.CodeInternal, "no signing key available (kid=%q)", kid)
}

// encryptionKey returns the stored key with the given kid, or the first "enc"
// key when kid is empty.
func (e *Engine) encryptionKey(ctx context.Context, kid string) (*storage.JSONWebKey, error) {
	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return nil, oautherr.Internal("failed to load key set", err)
	}
	for _, k := range keys {
		if kid != "" && k.KID == kid {
			return k, nil
		}
		if kid == "" && k.Use == UseEncryption {
			return k, nil
		}
	}
	return nil, oautherr.Newf(oautherr.CodeInternal, "no encryption key available (kid=%q)", kid)
}

// Sign serializes the claim set and signs it into a compact JWS using the
// server's signing key for the given algorithm.
func (e *Engine) Sign(ctx context.Context, claims map[string]any, alg string) (string, error) {
	key, err := e.signingKey(ctx, "")
	if err != nil {
		return "", err
	}
	if alg == "" {
		alg = key.Alg
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", oautherr.Internal("failed to serialize claims", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(alg),
		Key:       key.Key.Key,
	}, opts)
	if err != nil {
		return "", oautherr.Internal("failed to construct signer", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", oautherr.Internal("failed to sign payload", err)
	}
	return jws.CompactSerialize()
}

// Validate parses a compact JWS, resolves the key referenced by its "kid"
// header and verifies the signature. It returns the decoded claim set only
// when verification succeeds.
func (e *Engine) Validate(ctx context.Context, token string) (map[string]any, error) {
	jws, err := jose.ParseSigned(token, SupportedSignatureAlgorithms)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed JWS", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, oautherr.New(oautherr.CodeInvalidToken, "JWS carries no signature")
	}

	kid := jws.Signatures[0].Header.KeyID
	if kid == "" {
		return nil, oautherr.New(oautherr.CodeInvalidToken, "JWS header missing kid")
	}

	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return nil, oautherr.Internal("failed to load key set", err)
	}

	for _, k := range keys {
		if k.KID != kid {
			continue
		}
		payload, err := jws.Verify(k.Key.Public().Key)
		if err != nil {
			return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "signature verification failed", err)
		}
		var claims map[string]any
		if err := json.Unmarshal(payload, &claims); err != nil {
			return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed claim set", err)
		}
		return claims, nil
	}

	return nil, oautherr.Newf(oautherr.CodeInvalidToken, "no key matches kid %q", kid)
}

// ValidateWithKeySet verifies a compact JWS against an externally supplied
// key set (e.g. a client's registered keys) rather than the server's own.
func ValidateWithKeySet(token string, keySet *jose.JSONWebKeySet) (map[string]any, error) {
	jws, err := jose.ParseSigned(token, SupportedSignatureAlgorithms)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed JWS", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, oautherr.New(oautherr.CodeInvalidToken, "JWS carries no signature")
	}

	header := jws.Signatures[0].Header
	candidates := keySet.Keys
	if header.KeyID != "" {
		candidates = keySet.Key(header.KeyID)
	}
	for _, k := range candidates {
		payload, err := jws.Verify(k.Public().Key)
		if err != nil {
			continue
		}
		var claims map[string]any
		if err := json.Unmarshal(payload, &claims); err != nil {
			return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed claim set", err)
		}
		return claims, nil
	}

	return nil, oautherr.New(oautherr.CodeInvalidToken, "no registered key verifies the signature")
}

// ValidateHMAC verifies a compact JWS signed with a shared secret.
func ValidateHMAC(token, secret string) (map[string]any, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512})
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed JWS", err)
	}

	payload, err := jws.Verify([]byte(secret))
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "signature verification failed", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed claim set", err)
	}
	return claims, nil
}

// Encrypt serializes the claim set into a compact JWE (five dot-separated
// Base64URL segments) using the server's encryption key.
func (e *Engine) Encrypt(ctx context.Context, claims map[string]any, alg, enc string) (string, error) {
	key, err := e.encryptionKey(ctx, "")
	if err != nil {
		return "", err
	}
	if alg == "" {
		alg = key.Alg
	}
	if enc == "" {
		enc = string(jose.A256GCM)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", oautherr.Internal("failed to serialize claims", err)
	}

	opts := (&jose.EncrypterOptions{}).WithType("JWT")
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{
			Algorithm: jose.KeyAlgorithm(alg),
			Key:       key.Key.Public().Key,
			KeyID:     key.KID,
		},
		opts,
	)
	if err != nil {
		return "", oautherr.Internal("failed to construct encrypter", err)
	}

	jwe, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", oautherr.Internal("failed to encrypt payload", err)
	}
	return jwe.CompactSerialize()
}

// EncryptWithPassword produces a compact JWE whose content key is derived
// from a symmetric password (PBES2 key management).
func EncryptWithPassword(claims map[string]any, alg, enc, password string) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", oautherr.Internal("failed to serialize claims", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{
			Algorithm: jose.KeyAlgorithm(alg),
			Key:       []byte(password),
		},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", oautherr.Internal("failed to construct encrypter", err)
	}

	jwe, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", oautherr.Internal("failed to encrypt payload", err)
	}
	return jwe.CompactSerialize()
}

// Decrypt parses a compact JWE, resolves the key referenced by its "kid"
// header and decrypts. Tampering with any of the five segments fails the
// authentication tag check; no partial payload is ever returned.
func (e *Engine) Decrypt(ctx context.Context, token string) (map[string]any, error) {
	jwe, err := jose.ParseEncrypted(token, SupportedKeyAlgorithms, SupportedContentEncryption)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed JWE", err)
	}

	kid := jwe.Header.KeyID
	if kid == "" {
		return nil, oautherr.New(oautherr.CodeInvalidToken, "JWE header missing kid")
	}

	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return nil, oautherr.Internal("failed to load key set", err)
	}

	for _, k := range keys {
		if k.KID != kid {
			continue
		}
		payload, err := jwe.Decrypt(k.Key.Key)
		if err != nil {
			return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "decryption failed", err)
		}
		var claims map[string]any
		if err := json.Unmarshal(payload, &claims); err != nil {
			return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed claim set", err)
		}
		return claims, nil
	}

	return nil, oautherr.Newf(oautherr.CodeInvalidToken, "no key matches kid %q", kid)
}

// DecryptWithPassword decrypts a PBES2 compact JWE with the symmetric password.
func DecryptWithPassword(token, password string) (map[string]any, error) {
	jwe, err := jose.ParseEncrypted(token, SupportedKeyAlgorithms, SupportedContentEncryption)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed JWE", err)
	}

	payload, err := jwe.Decrypt([]byte(password))
	if err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "decryption failed", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, oautherr.Wrap(oautherr.CodeInvalidToken, "malformed claim set", err)
	}
	return claims, nil
}

// PublicKeySet returns the public halves of every stored key for the JWKS
// endpoint.
func (e *Engine) PublicKeySet(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := e.keys.GetAllKeys(ctx)
	if err != nil {
		return nil, oautherr.Internal("failed to load key set", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.Key.Public())
	}
	return set, nil
}
