// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/storagetest"
)

func newMiniredisStorage(t *testing.T) (*storage.RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return storage.NewRedisStorageWithClient(client, "test:"), mr
}

func TestRedisStorage_Conformance(t *testing.T) {
	t.Parallel()

	storagetest.RunConformance(t, func(t *testing.T) storage.Storage {
		s, _ := newMiniredisStorage(t)
		return s
	})
}

func TestRedisStorage_KeysArePrefixed(t *testing.T) {
	t.Parallel()

	s, mr := newMiniredisStorage(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &storage.Session{ID: "abc", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.StoreRefreshToken(ctx, &storage.RefreshToken{
		ID: "rt", FamilyID: "fam", ExpiresAt: time.Now().Add(time.Hour),
	}))

	assert.True(t, mr.Exists("test:session:abc"))
	assert.True(t, mr.Exists("test:rt:rt"))
	assert.True(t, mr.Exists("test:rtfamily:fam"))
	assert.Greater(t, mr.TTL("test:session:abc"), time.Duration(0))
}

func TestRedisStorage_ExpiryFollowsRedisTTL(t *testing.T) {
	t.Parallel()

	s, mr := newMiniredisStorage(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	id, err := s.WriteMessage(ctx, []byte("paused request"), time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = s.ReadMessage(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStorage_UserRollbackOnIndexConflict(t *testing.T) {
	t.Parallel()

	s, mr := newMiniredisStorage(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &storage.User{Subject: "1", Username: "alice"}))
	err := s.CreateUser(ctx, &storage.User{Subject: "2", Username: "alice"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	assert.False(t, mr.Exists("test:user:2"))
}

func TestNewRedisStorage_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  storage.RedisConfig
	}{
		{name: "no address", cfg: storage.RedisConfig{}},
		{name: "sentinel without master", cfg: storage.RedisConfig{Sentinel: &storage.SentinelConfig{SentinelAddrs: []string{"a:1"}}}},
		{name: "sentinel without addrs", cfg: storage.RedisConfig{Sentinel: &storage.SentinelConfig{MasterName: "m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := storage.NewRedisStorage(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid redis configuration")
		})
	}
}

func TestNewRedisStorage_Connects(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := storage.NewRedisStorage(context.Background(), storage.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateSession(context.Background(), &storage.Session{ID: "x"}))
	assert.True(t, mr.Exists(storage.DefaultKeyPrefix+"session:x"))
}
