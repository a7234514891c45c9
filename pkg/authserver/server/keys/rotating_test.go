// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	day         = 24 * time.Hour
	propagation = 7 * day
	rotation    = 90 * day
	retention   = 7 * day
)

func newTestRotatingProvider(t *testing.T, store Store) (*RotatingProvider, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, err := NewRotatingProvider(RotationConfig{
		PropagationTime:   propagation,
		RotationInterval:  rotation,
		RetentionDuration: retention,
	}, store, WithClock(clock.Now))
	require.NoError(t, err)
	return p, clock
}

func publicIDs(t *testing.T, p KeyProvider) []string {
	t.Helper()
	pubKeys, err := p.PublicKeys(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(pubKeys))
	for _, pk := range pubKeys {
		ids = append(ids, pk.KeyID)
	}
	return ids
}

func TestRotatingProvider_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, clock := newTestRotatingProvider(t, NewMemoryStore())

	first, err := p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.KeyID}, publicIDs(t, p), "the first key signs immediately")

	// Inside the propagation window before retirement a successor is announced
	// but the current key keeps signing.
	clock.Advance(rotation - propagation + time.Hour)
	current, err := p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, current.KeyID)

	ids := publicIDs(t, p)
	require.Len(t, ids, 2)
	assert.Contains(t, ids, first.KeyID)
	var successor string
	for _, id := range ids {
		if id != first.KeyID {
			successor = id
		}
	}

	// After retirement the successor signs and the old key stays published.
	clock.Advance(propagation)
	current, err = p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, successor, current.KeyID)
	assert.Contains(t, publicIDs(t, p), first.KeyID, "retired key is retained for validation")

	// After the retention window the old key disappears.
	clock.Advance(retention + time.Hour)
	assert.NotContains(t, publicIDs(t, p), first.KeyID)
}

func TestRotatingProvider_PublicKeysCarryRetention(t *testing.T) {
	t.Parallel()

	p, clock := newTestRotatingProvider(t, NewMemoryStore())
	pubKeys, err := p.PublicKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, pubKeys, 1)

	want := clock.Now().Add(rotation + retention)
	assert.True(t, pubKeys[0].NotAfter.Equal(want))
	assert.True(t, pubKeys[0].Valid(want))
	assert.False(t, pubKeys[0].Valid(want.Add(time.Second)))
}

func TestRotatingProvider_SharedDirectoryStore(t *testing.T) {
	t.Parallel()

	store, err := NewDirectoryStore(t.TempDir())
	require.NoError(t, err)

	first, _ := newTestRotatingProvider(t, store)
	key, err := first.SigningKey(context.Background())
	require.NoError(t, err)

	// A second replica, or a restart, picks up the persisted key.
	second, _ := newTestRotatingProvider(t, store)
	again, err := second.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, again.KeyID)
}

func TestRotatingProvider_ConcurrentCallersCreateOneKey(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	p, _ := newTestRotatingProvider(t, store)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.SigningKey(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := store.LoadKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestNewRotatingProvider_RejectsUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := NewRotatingProvider(RotationConfig{Algorithm: "HS256"}, NewMemoryStore())
	require.Error(t, err)
}

func TestDirectoryStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewDirectoryStore(t.TempDir())
	require.NoError(t, err)

	data, err := generateKey("ES256", time.Now())
	require.NoError(t, err)
	key := &ManagedKey{
		SigningKeyData: *data,
		ActivatesAt:    time.Now().UTC().Truncate(time.Second),
		RetiresAt:      time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		ExpiresAt:      time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second),
	}
	require.NoError(t, store.SaveKey(ctx, key))

	loaded, err := store.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, key.KeyID, loaded[0].KeyID)
	assert.True(t, key.RetiresAt.Equal(loaded[0].RetiresAt))

	require.NoError(t, store.DeleteKey(ctx, key.KeyID))
	require.NoError(t, store.DeleteKey(ctx, key.KeyID))
	loaded, err = store.LoadKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
