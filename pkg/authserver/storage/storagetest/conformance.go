// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds a conformance suite every storage backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// RunConformance runs the storage contract tests against backends created by newStorage.
func RunConformance(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStorage) })
	t.Run("SessionConcurrentUpdates", func(t *testing.T) { testSessionConcurrentUpdates(t, newStorage) })
	t.Run("Consents", func(t *testing.T) { testConsents(t, newStorage) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, newStorage) })
	t.Run("RefreshConcurrentRotation", func(t *testing.T) { testRefreshConcurrentRotation(t, newStorage) })
	t.Run("RefreshFamilyRevocation", func(t *testing.T) { testRefreshFamilyRevocation(t, newStorage) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStorage) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStorage) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStorage) })
}

func open(t *testing.T, newStorage Factory) storage.Storage {
	t.Helper()
	s := newStorage(t)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Health(context.Background()))
	return s
}

func testSessions(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	session := &storage.Session{
		ID:        "sess-1",
		Subject:   "alice",
		AuthTime:  now,
		Claims:    map[string]string{"name": "Alice"},
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, session))

	err := s.CreateSession(ctx, session)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "Alice", got.Claims["name"])

	updated, err := s.UpdateSession(ctx, "sess-1", func(sess *storage.Session) error {
		sess.AddClient("interactive")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"interactive"}, updated.ClientIDs)

	failure := errors.New("rejected")
	_, err = s.UpdateSession(ctx, "sess-1", func(*storage.Session) error { return failure })
	assert.ErrorIs(t, err, failure)

	_, err = s.UpdateSession(ctx, "missing", func(*storage.Session) error { return nil })
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
}

func testSessionConcurrentUpdates(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &storage.Session{
		ID:        "sess-concurrent",
		Subject:   "bob",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	const writers = 12
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSession(ctx, "sess-concurrent", func(sess *storage.Session) error {
				sess.AddClient(fmt.Sprintf("client-%d", i))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetSession(ctx, "sess-concurrent")
	require.NoError(t, err)
	assert.Len(t, got.ClientIDs, writers, "no client association may be lost")
}

func testConsents(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	_, err := s.GetConsent(ctx, "alice", "interactive")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.StoreConsent(ctx, &storage.ConsentRecord{
		Subject:   "alice",
		ClientID:  "interactive",
		Scopes:    []string{"openid", "profile"},
		Remember:  true,
		CreatedAt: time.Now(),
	}))
	require.NoError(t, s.StoreConsent(ctx, &storage.ConsentRecord{
		Subject:   "alice",
		ClientID:  "interactive",
		Scopes:    []string{"openid", "profile", "scope2"},
		Remember:  true,
		CreatedAt: time.Now(),
	}))

	got, err := s.GetConsent(ctx, "alice", "interactive")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"openid", "profile", "scope2"}, got.Scopes)
	assert.True(t, got.Covers([]string{"openid", "scope2"}))

	require.NoError(t, s.StoreConsent(ctx, &storage.ConsentRecord{
		Subject:   "alice",
		ClientID:  "expired",
		Scopes:    []string{"openid"},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	_, err = s.GetConsent(ctx, "alice", "expired")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.DeleteConsent(ctx, "alice", "interactive"))
	_, err = s.GetConsent(ctx, "alice", "interactive")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func newRefreshToken(id, family string) *storage.RefreshToken {
	now := time.Now()
	return &storage.RefreshToken{
		ID:                id,
		FamilyID:          family,
		ClientID:          "interactive",
		Subject:           "alice",
		Scopes:            []string{"openid", "offline_access"},
		AuthTime:          now,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
		AbsoluteExpiresAt: now.Add(24 * time.Hour),
	}
}

func testRefreshRotation(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	require.NoError(t, s.StoreRefreshToken(ctx, newRefreshToken("rt-1", "fam-1")))

	got, err := s.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.False(t, got.IsConsumed())
	assert.Equal(t, []string{"openid", "offline_access"}, got.Scopes)

	old, err := s.RotateRefreshToken(ctx, "rt-1", newRefreshToken("rt-2", "fam-1"))
	require.NoError(t, err)
	assert.Equal(t, "rt-1", old.ID)
	assert.True(t, old.IsConsumed())

	replayed, err := s.RotateRefreshToken(ctx, "rt-1", newRefreshToken("rt-3", "fam-1"))
	assert.ErrorIs(t, err, storage.ErrConsumed)
	require.NotNil(t, replayed)
	assert.Equal(t, "fam-1", replayed.FamilyID)

	_, err = s.GetRefreshToken(ctx, "rt-3")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a replay must not record a new token")

	next, err := s.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.False(t, next.IsConsumed())

	newExpiry := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.ExtendRefreshToken(ctx, "rt-2", newExpiry))
	extended, err := s.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(newExpiry))

	_, err = s.RotateRefreshToken(ctx, "missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRefreshConcurrentRotation(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	require.NoError(t, s.StoreRefreshToken(ctx, newRefreshToken("rt-race", "fam-race")))

	const redeemers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		consumed  atomic.Int32
	)
	for i := range redeemers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RotateRefreshToken(ctx, "rt-race", newRefreshToken(fmt.Sprintf("rt-race-next-%d", i), "fam-race"))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrConsumed):
				consumed.Add(1)
			default:
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one redemption must win")
	assert.Equal(t, int32(redeemers-1), consumed.Load())
}

func testRefreshFamilyRevocation(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	require.NoError(t, s.StoreRefreshToken(ctx, newRefreshToken("rt-a", "fam-rev")))
	_, err := s.RotateRefreshToken(ctx, "rt-a", newRefreshToken("rt-b", "fam-rev"))
	require.NoError(t, err)
	require.NoError(t, s.StoreRefreshToken(ctx, newRefreshToken("rt-other", "fam-other")))

	require.NoError(t, s.RevokeRefreshTokenFamily(ctx, "fam-rev"))

	_, err = s.GetRefreshToken(ctx, "rt-a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-other")
	assert.NoError(t, err, "other families are untouched")
}

func testAuthorizationCodes(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()
	now := time.Now()

	code := &storage.AuthorizationCode{
		Code:          "code-hash",
		ClientID:      "interactive",
		Subject:       "alice",
		RedirectURI:   "https://localhost:44300/signin-oidc",
		Scopes:        []string{"openid", "profile"},
		CodeChallenge: "challenge",
		AuthTime:      now,
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
	require.NoError(t, s.StoreAuthorizationCode(ctx, code))
	assert.ErrorIs(t, s.StoreAuthorizationCode(ctx, code), storage.ErrAlreadyExists)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ConsumeAuthorizationCode(ctx, "code-hash")
			if err == nil {
				wins.Add(1)
				assert.Equal(t, "challenge", got.CodeChallenge)
				return
			}
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	expired := *code
	expired.Code = "expired-code"
	expired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, s.StoreAuthorizationCode(ctx, &expired))
	_, err := s.ConsumeAuthorizationCode(ctx, "expired-code")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMessages(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	id, err := s.WriteMessage(ctx, []byte(`{"client_id":"interactive"}`), time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(id), 20)

	other, err := s.WriteMessage(ctx, []byte("other"), time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	data, err := s.ReadMessage(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_id":"interactive"}`, string(data))

	data, err = s.ConsumeMessage(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = s.ReadMessage(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.ConsumeMessage(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUsers(t *testing.T, newStorage Factory) {
	s := open(t, newStorage)
	ctx := context.Background()

	alice := &storage.User{
		Subject:      "1",
		Username:     "alice",
		PasswordHash: "hash",
		Claims:       map[string]string{"email": "alice@example.com"},
		Active:       true,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(ctx, alice))
	assert.ErrorIs(t, s.CreateUser(ctx, alice), storage.ErrAlreadyExists)

	dupName := &storage.User{Subject: "2", Username: "alice", Active: true}
	assert.ErrorIs(t, s.CreateUser(ctx, dupName), storage.ErrAlreadyExists)
	_, err := s.GetUser(ctx, "2")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a failed create leaves nothing behind")

	got, err := s.FindUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Subject)
	assert.Equal(t, "alice@example.com", got.Claims["email"])

	external := &storage.User{
		Subject:         "3",
		Username:        "carol",
		ProviderName:    "aad",
		ProviderSubject: "ext-123",
		Active:          true,
	}
	require.NoError(t, s.CreateUser(ctx, external))

	found, err := s.FindUserByExternalProvider(ctx, "aad", "ext-123")
	require.NoError(t, err)
	assert.Equal(t, "3", found.Subject)

	_, err = s.FindUserByExternalProvider(ctx, "aad", "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	dupLink := &storage.User{Subject: "4", ProviderName: "aad", ProviderSubject: "ext-123"}
	assert.ErrorIs(t, s.CreateUser(ctx, dupLink), storage.ErrAlreadyExists)
}
