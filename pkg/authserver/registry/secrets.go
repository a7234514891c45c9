// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret returns the SHA-256 form of a plain client secret.
func HashSecret(plain string) Secret {
	sum := sha256.Sum256([]byte(plain))
	return Secret{Value: base64.StdEncoding.EncodeToString(sum[:]), Type: SecretTypeSHA256}
}

// HashSecretBcrypt returns the bcrypt form of a plain client secret.
func HashSecretBcrypt(plain string) (Secret, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return Secret{}, fmt.Errorf("failed to hash secret: %w", err)
	}
	return Secret{Value: string(hash), Type: SecretTypeBcrypt}, nil
}

// VerifySecret reports whether presented matches any of the client's secrets.
func (c *Client) VerifySecret(presented string) bool {
	if presented == "" {
		return false
	}
	for _, s := range c.Secrets {
		if s.matches(presented) {
			return true
		}
	}
	return false
}

func (s Secret) matches(presented string) bool {
	switch s.Type {
	case SecretTypeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(s.Value), []byte(presented)) == nil
	case SecretTypeSHA256, "":
		want := HashSecret(presented).Value
		return subtle.ConstantTimeCompare([]byte(s.Value), []byte(want)) == 1
	default:
		return false
	}
}

func normalizeSecrets(secrets []Secret) ([]Secret, error) {
	out := make([]Secret, 0, len(secrets))
	for _, s := range secrets {
		if s.Value == "" {
			return nil, fmt.Errorf("secret value must not be empty")
		}
		switch s.Type {
		case SecretTypePlain:
			out = append(out, HashSecret(s.Value))
		case SecretTypeSHA256, "":
			out = append(out, Secret{Value: s.Value, Type: SecretTypeSHA256})
		case SecretTypeBcrypt:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("unsupported secret type %q", s.Type)
		}
	}
	return out, nil
}
