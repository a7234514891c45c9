// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshToken_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expires  time.Time
		absolute time.Time
		want     bool
	}{
		{name: "sliding window open", expires: now.Add(time.Hour), absolute: now.Add(24 * time.Hour), want: false},
		{name: "sliding window closed", expires: now.Add(-time.Second), absolute: now.Add(24 * time.Hour), want: true},
		{name: "absolute cap reached", expires: now.Add(time.Hour), absolute: now.Add(-time.Second), want: true},
		{name: "exact boundary", expires: now, want: false},
		{name: "no absolute cap", expires: now.Add(time.Minute), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			token := &RefreshToken{ExpiresAt: tt.expires, AbsoluteExpiresAt: tt.absolute}
			assert.Equal(t, tt.want, token.IsExpired(now))
		})
	}
}

func TestSession_AddClient(t *testing.T) {
	t.Parallel()

	s := &Session{ID: "s"}
	assert.True(t, s.AddClient("a"))
	assert.False(t, s.AddClient("a"))
	assert.False(t, s.AddClient(""))
	assert.True(t, s.AddClient("b"))
	assert.Equal(t, []string{"a", "b"}, s.ClientIDs)
}

func TestSession_CloneIsDeep(t *testing.T) {
	t.Parallel()

	s := &Session{ID: "s", ClientIDs: []string{"a"}, Claims: map[string]string{"name": "Alice"}}
	c := s.Clone()
	c.AddClient("b")
	c.Claims["name"] = "Mallory"

	assert.Equal(t, []string{"a"}, s.ClientIDs)
	assert.Equal(t, "Alice", s.Claims["name"])
}

func TestSession_IsExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	assert.False(t, (&Session{}).IsExpired(now), "zero expiry never expires")
	assert.True(t, (&Session{ExpiresAt: now.Add(-time.Second)}).IsExpired(now))
	assert.False(t, (&Session{ExpiresAt: now.Add(time.Second)}).IsExpired(now))
}

func TestConsentRecord_Covers(t *testing.T) {
	t.Parallel()

	var nilRecord *ConsentRecord
	assert.False(t, nilRecord.Covers([]string{"openid"}))
	assert.False(t, nilRecord.Grants("openid"))

	record := &ConsentRecord{Scopes: []string{"openid", "profile"}}
	assert.True(t, record.Covers([]string{"openid"}))
	assert.True(t, record.Covers(nil))
	assert.False(t, record.Covers([]string{"openid", "scope2"}))
	assert.True(t, record.Grants("profile"))
}

func TestCompositeKey(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, compositeKey("a:b", "c"), compositeKey("a", "b:c"))
	assert.Equal(t, compositeKey("alice", "client"), compositeKey("alice", "client"))
}
