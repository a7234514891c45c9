// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authcore/pkg/logger"
)

// recheckInterval bounds how stale the cached key set may become before the
// store is consulted again. Replicas sharing a store converge within it.
const recheckInterval = time.Minute

// RotatingProvider manages a set of generated keys:
//
//	created ── PropagationTime ──> signs ── RotationInterval ──> retired ── RetentionDuration ──> removed
//
// A successor is created PropagationTime before the signing key retires, so it
// is published in the JWKS before any token is signed with it.
type RotatingProvider struct {
	cfg   RotationConfig
	store Store
	now   func() time.Time

	snapshot atomic.Pointer[keySnapshot]
	group    singleflight.Group
}

type keySnapshot struct {
	keys      []*ManagedKey
	checkedAt time.Time
}

// RotatingOption configures a RotatingProvider.
type RotatingOption func(*RotatingProvider)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RotatingOption {
	return func(p *RotatingProvider) {
		p.now = now
	}
}

// NewRotatingProvider creates a RotatingProvider backed by store.
func NewRotatingProvider(cfg RotationConfig, store Store, opts ...RotatingOption) (*RotatingProvider, error) {
	cfg.applyDefaults()
	if _, err := generatePrivateKey(cfg.Algorithm); err != nil {
		return nil, err
	}
	p := &RotatingProvider{cfg: cfg, store: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SigningKey implements KeyProvider.
func (p *RotatingProvider) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	var signing *ManagedKey
	for _, k := range snap.keys {
		if k.signsAt(now) && (signing == nil || k.ActivatesAt.After(signing.ActivatesAt)) {
			signing = k
		}
	}
	if signing == nil {
		return nil, ErrNoSigningKey
	}
	return signing.SigningKeyData.clone(), nil
}

// PublicKeys implements KeyProvider.
func (p *RotatingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	out := make([]*PublicKeyData, 0, len(snap.keys))
	for _, k := range snap.keys {
		if now.After(k.ExpiresAt) {
			continue
		}
		out = append(out, k.public(k.ExpiresAt))
	}
	return out, nil
}

// current returns a snapshot that has a signing key at now, refreshing it when stale.
func (p *RotatingProvider) current(ctx context.Context) (*keySnapshot, error) {
	now := p.now()
	if snap := p.snapshot.Load(); snap != nil && now.Sub(snap.checkedAt) < recheckInterval && !p.needsWork(snap.keys, now) {
		return snap, nil
	}

	v, err, _ := p.group.Do("refresh", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

// needsWork reports whether keys lack a signing key or a due successor.
func (p *RotatingProvider) needsWork(keys []*ManagedKey, now time.Time) bool {
	var signing, newest *ManagedKey
	for _, k := range keys {
		if k.signsAt(now) && (signing == nil || k.ActivatesAt.After(signing.ActivatesAt)) {
			signing = k
		}
		if newest == nil || k.ActivatesAt.After(newest.ActivatesAt) {
			newest = k
		}
	}
	if signing == nil {
		return true
	}
	successorDue := !now.Before(signing.RetiresAt.Add(-p.cfg.PropagationTime))
	return successorDue && newest == signing
}

func (p *RotatingProvider) refresh(ctx context.Context) (*keySnapshot, error) {
	now := p.now()
	loaded, err := p.store.LoadKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	keys := loaded[:0]
	for _, k := range loaded {
		if now.After(k.ExpiresAt) {
			if err := p.store.DeleteKey(ctx, k.KeyID); err != nil {
				logger.Warnw("failed to delete expired signing key", "key_id", k.KeyID, "error", err)
			}
			logger.Infow("signing key removed after retention", "key_id", k.KeyID)
			continue
		}
		keys = append(keys, k)
	}
	sortByActivation(keys)

	var signing *ManagedKey
	for _, k := range keys {
		if k.signsAt(now) {
			signing = k
		}
	}

	if signing == nil {
		// Nothing can sign: activate immediately instead of waiting out propagation.
		key, err := p.create(ctx, now, now)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		signing = key
	}

	if p.needsWork(keys, now) {
		key, err := p.create(ctx, now, signing.RetiresAt)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	snap := &keySnapshot{keys: keys, checkedAt: now}
	p.snapshot.Store(snap)
	return snap, nil
}

func (p *RotatingProvider) create(ctx context.Context, now, activatesAt time.Time) (*ManagedKey, error) {
	data, err := generateKey(p.cfg.Algorithm, now)
	if err != nil {
		return nil, err
	}
	key := &ManagedKey{
		SigningKeyData: *data,
		ActivatesAt:    activatesAt,
		RetiresAt:      activatesAt.Add(p.cfg.RotationInterval),
	}
	key.ExpiresAt = key.RetiresAt.Add(p.cfg.RetentionDuration)

	if err := p.store.SaveKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	logger.Infow("signing key created",
		"key_id", key.KeyID,
		"algorithm", key.Algorithm,
		"activates_at", key.ActivatesAt,
		"retires_at", key.RetiresAt,
	)
	return key, nil
}

var _ KeyProvider = (*RotatingProvider)(nil)
