// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/sqlstore"
	"github.com/stacklok/authcore/pkg/logger"
)

// NewStorage creates a Storage implementation based on config.
// If config is nil, defaults to in-memory storage.
func NewStorage(ctx context.Context, config *storage.Config) (storage.Storage, error) {
	if config == nil {
		config = storage.DefaultConfig()
	}
	logger.Debugw("creating storage backend", "type", config.Type)

	switch config.Type {
	case storage.TypeMemory, "":
		var opts []storage.MemoryStorageOption
		if config.CleanupInterval > 0 {
			opts = append(opts, storage.WithCleanupInterval(config.CleanupInterval))
		}
		return storage.NewMemoryStorage(opts...), nil

	case storage.TypeRedis:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for Redis storage")
		}
		return storage.NewRedisStorage(ctx, *config.Redis)

	case storage.TypeSQL:
		if config.SQL == nil {
			return nil, fmt.Errorf("sql configuration is required for SQL storage")
		}
		var opts []sqlstore.Option
		if config.CleanupInterval > 0 {
			opts = append(opts, sqlstore.WithCleanupInterval(config.CleanupInterval))
		}
		return sqlstore.Open(ctx, *config.SQL, opts...)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}
