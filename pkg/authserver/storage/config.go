// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server or Sentinel deployment.
	TypeRedis Type = "redis"

	// TypeSQL uses a SQL database (SQLite or PostgreSQL).
	TypeSQL Type = "sql"

	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultMessageTTL is the default lifetime of interaction messages.
	DefaultMessageTTL = 10 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `yaml:"type,omitempty"`

	// CleanupInterval controls the expiry sweep of the memory and SQL backends.
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisConfig `yaml:"redis,omitempty"`

	// SQL configures the SQL backend.
	SQL *SQLConfig `yaml:"sql,omitempty"`
}

// SQLConfig configures the SQL backend.
type SQLConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the driver specific connection string.
	DSN string `yaml:"dsn"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:            TypeMemory,
		CleanupInterval: DefaultCleanupInterval,
	}
}
