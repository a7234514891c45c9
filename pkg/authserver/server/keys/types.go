// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for the authorization server:
// static keys loaded from files, an ephemeral development key, and a rotating
// key set with propagation, rotation and retention windows.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is the signing algorithm for generated keys.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when no key is currently eligible for signing.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKeyData is a private signing key with its metadata.
// It must never leave the process.
type SigningKeyData struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKeyData is the public half of a key, safe to publish in the JWKS.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
	// NotAfter is the end of the key's retention window; tokens signed with it
	// are not accepted afterwards. Zero means no limit.
	NotAfter time.Time
}

// Valid reports whether the key may still be used to verify at now.
func (p *PublicKeyData) Valid(now time.Time) bool {
	return p.NotAfter.IsZero() || !now.After(p.NotAfter)
}

func (k *SigningKeyData) clone() *SigningKeyData {
	c := *k
	return &c
}

func (k *SigningKeyData) public(notAfter time.Time) *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
		NotAfter:  notAfter,
	}
}
