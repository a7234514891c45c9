// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	servercrypto "github.com/stacklok/authcore/pkg/authserver/server/crypto"
)

// ManagedKey is a generated key together with its lifecycle.
type ManagedKey struct {
	SigningKeyData

	// ActivatesAt is when the key starts signing. Before that it is only announced.
	ActivatesAt time.Time
	// RetiresAt is when the key stops signing.
	RetiresAt time.Time
	// ExpiresAt is the end of the retention window.
	ExpiresAt time.Time
}

// signsAt reports whether the key is the signing candidate at now.
func (k *ManagedKey) signsAt(now time.Time) bool {
	return !now.Before(k.ActivatesAt) && now.Before(k.RetiresAt)
}

// Store persists managed keys.
type Store interface {
	LoadKeys(ctx context.Context) ([]*ManagedKey, error)
	SaveKey(ctx context.Context, key *ManagedKey) error
	DeleteKey(ctx context.Context, keyID string) error
}

// MemoryStore keeps managed keys in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*ManagedKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*ManagedKey)}
}

// LoadKeys implements Store.
func (s *MemoryStore) LoadKeys(_ context.Context) ([]*ManagedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ManagedKey, 0, len(s.keys))
	for _, k := range s.keys {
		c := *k
		out = append(out, &c)
	}
	return out, nil
}

// SaveKey implements Store.
func (s *MemoryStore) SaveKey(_ context.Context, key *ManagedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *key
	s.keys[key.KeyID] = &c
	return nil
}

// DeleteKey implements Store.
func (s *MemoryStore) DeleteKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, keyID)
	return nil
}

// DirectoryStore keeps one JSON document per key in a directory.
type DirectoryStore struct {
	dir string
}

type storedKey struct {
	KeyID       string    `json:"kid"`
	Algorithm   string    `json:"alg"`
	CreatedAt   time.Time `json:"created_at"`
	ActivatesAt time.Time `json:"activates_at"`
	RetiresAt   time.Time `json:"retires_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	PrivateKey  string    `json:"private_key"`
}

const storedKeySuffix = ".key.json"

// NewDirectoryStore creates dir when missing.
func NewDirectoryStore(dir string) (*DirectoryStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return &DirectoryStore{dir: dir}, nil
}

func (s *DirectoryStore) path(keyID string) string {
	return filepath.Join(s.dir, keyID+storedKeySuffix)
}

// LoadKeys implements Store. Unreadable files are reported as errors.
func (s *DirectoryStore) LoadKeys(_ context.Context) ([]*ManagedKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list key store: %w", err)
	}

	var out []*ManagedKey
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), storedKeySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", e.Name(), err)
		}
		key, err := decodeStoredKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %s: %w", e.Name(), err)
		}
		out = append(out, key)
	}
	return out, nil
}

func decodeStoredKey(data []byte) (*ManagedKey, error) {
	var sk storedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, err
	}
	signer, err := servercrypto.ParseSigningKey([]byte(sk.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &ManagedKey{
		SigningKeyData: SigningKeyData{
			KeyID:     sk.KeyID,
			Algorithm: sk.Algorithm,
			Key:       signer,
			CreatedAt: sk.CreatedAt,
		},
		ActivatesAt: sk.ActivatesAt,
		RetiresAt:   sk.RetiresAt,
		ExpiresAt:   sk.ExpiresAt,
	}, nil
}

// SaveKey implements Store. The file is written to a temporary name and renamed.
func (s *DirectoryStore) SaveKey(_ context.Context, key *ManagedKey) error {
	pemBytes, err := servercrypto.EncodePrivateKeyPEM(key.Key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(storedKey{
		KeyID:       key.KeyID,
		Algorithm:   key.Algorithm,
		CreatedAt:   key.CreatedAt,
		ActivatesAt: key.ActivatesAt,
		RetiresAt:   key.RetiresAt,
		ExpiresAt:   key.ExpiresAt,
		PrivateKey:  string(pemBytes),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key.KeyID)); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}

// DeleteKey implements Store.
func (s *DirectoryStore) DeleteKey(_ context.Context, keyID string) error {
	if err := os.Remove(s.path(keyID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func sortByActivation(keys []*ManagedKey) {
	slices.SortFunc(keys, func(a, b *ManagedKey) int {
		return a.ActivatesAt.Compare(b.ActivatesAt)
	})
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*DirectoryStore)(nil)
)
