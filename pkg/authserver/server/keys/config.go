// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import "time"

// Default rotation windows.
const (
	DefaultPropagationTime   = 7 * 24 * time.Hour
	DefaultRotationInterval  = 90 * 24 * time.Hour
	DefaultRetentionDuration = 7 * 24 * time.Hour
)

// Config selects and configures a KeyProvider.
type Config struct {
	// KeyDir is the directory holding PEM encoded private keys.
	KeyDir string `yaml:"key_dir,omitempty"`

	// SigningKeyFile is the key used for signing, relative to KeyDir.
	SigningKeyFile string `yaml:"signing_key_file,omitempty"`

	// FallbackKeyFiles are verification-only keys relative to KeyDir. They are
	// published in the JWKS so tokens signed before a manual rotation keep
	// validating.
	FallbackKeyFiles []string `yaml:"fallback_key_files,omitempty"`

	// Rotation enables automatic key management. Ignored when KeyDir is set.
	Rotation *RotationConfig `yaml:"rotation,omitempty"`
}

// RotationConfig configures the RotatingProvider.
type RotationConfig struct {
	// Algorithm for generated keys. Defaults to ES256.
	Algorithm string `yaml:"algorithm,omitempty"`

	// PropagationTime is how long a new key is announced before it signs.
	PropagationTime time.Duration `yaml:"propagation_time,omitempty"`

	// RotationInterval is how long a key signs new tokens.
	RotationInterval time.Duration `yaml:"rotation_interval,omitempty"`

	// RetentionDuration is how long a retired key remains valid for verification.
	RetentionDuration time.Duration `yaml:"retention_duration,omitempty"`

	// StoreDir persists managed keys so they survive restarts and can be
	// shared by replicas on a common volume. Keys live in memory when empty.
	StoreDir string `yaml:"store_dir,omitempty"`
}

func (c *RotationConfig) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.PropagationTime <= 0 {
		c.PropagationTime = DefaultPropagationTime
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.RetentionDuration <= 0 {
		c.RetentionDuration = DefaultRetentionDuration
	}
}

// NewProviderFromConfig creates a KeyProvider:
//   - KeyDir set: keys loaded from files
//   - Rotation set: managed, rotating keys
//   - otherwise: an ephemeral generated key (development only)
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	if cfg.Rotation != nil {
		var store Store = NewMemoryStore()
		if cfg.Rotation.StoreDir != "" {
			dirStore, err := NewDirectoryStore(cfg.Rotation.StoreDir)
			if err != nil {
				return nil, err
			}
			store = dirStore
		}
		return NewRotatingProvider(*cfg.Rotation, store)
	}
	return NewGeneratingProvider(DefaultAlgorithm), nil
}
