// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/sqlstore"
)

func TestNewStorage(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		config  func(t *testing.T) *storage.Config
		check   func(t *testing.T, s storage.Storage)
		wantErr string
	}{
		{
			name:   "nil config defaults to memory",
			config: func(*testing.T) *storage.Config { return nil },
			check: func(t *testing.T, s storage.Storage) {
				t.Helper()
				assert.IsType(t, &storage.MemoryStorage{}, s)
			},
		},
		{
			name: "redis",
			config: func(*testing.T) *storage.Config {
				return &storage.Config{Type: storage.TypeRedis, Redis: &storage.RedisConfig{Addr: mr.Addr()}}
			},
			check: func(t *testing.T, s storage.Storage) {
				t.Helper()
				assert.IsType(t, &storage.RedisStorage{}, s)
			},
		},
		{
			name: "sqlite",
			config: func(t *testing.T) *storage.Config {
				t.Helper()
				return &storage.Config{Type: storage.TypeSQL, SQL: &storage.SQLConfig{
					Driver: "sqlite",
					DSN:    filepath.Join(t.TempDir(), "authcore.db"),
				}}
			},
			check: func(t *testing.T, s storage.Storage) {
				t.Helper()
				assert.IsType(t, &sqlstore.Store{}, s)
			},
		},
		{
			name:    "redis without settings",
			config:  func(*testing.T) *storage.Config { return &storage.Config{Type: storage.TypeRedis} },
			wantErr: "redis configuration is required",
		},
		{
			name:    "sql without settings",
			config:  func(*testing.T) *storage.Config { return &storage.Config{Type: storage.TypeSQL} },
			wantErr: "sql configuration is required",
		},
		{
			name:    "unknown type",
			config:  func(*testing.T) *storage.Config { return &storage.Config{Type: "etcd"} },
			wantErr: "unknown storage type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewStorage(t.Context(), tt.config(t))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Health(t.Context()))
			tt.check(t, s)
		})
	}
}
