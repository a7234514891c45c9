// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/oklog/ulid/v2"
)

// newHandle returns an unguessable opaque value handed to clients as a refresh
// token or authorization code.
func newHandle() string {
	return rand.Text() + rand.Text()
}

// HashHandle returns the storage key for a handle. Handles are never stored.
func HashHandle(handle string) string {
	sum := sha256.Sum256([]byte(handle))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newFamilyID returns a time-ordered id for a refresh token family.
func newFamilyID() string {
	return ulid.Make().String()
}
