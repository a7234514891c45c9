// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/authcore/pkg/logger"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements Storage with in-memory maps guarded by a single
// RWMutex. Every read-modify-write runs under the write lock, which makes
// rotation, consumption and session updates atomic. It is suitable for a
// single instance; use the redis or SQL backend to scale out.
type MemoryStorage struct {
	mu sync.RWMutex

	sessions      map[string]*timedEntry[*Session]
	consents      map[string]*timedEntry[*ConsentRecord]
	refreshTokens map[string]*timedEntry[*RefreshToken]
	// families maps family id -> refresh token ids.
	families map[string][]string
	codes    map[string]*timedEntry[*AuthorizationCode]
	messages map[string]*timedEntry[[]byte]

	users           map[string]*User
	usersByName     map[string]string
	usersByProvider map[string]string

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewMemoryStorage creates a MemoryStorage and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		sessions:        make(map[string]*timedEntry[*Session]),
		consents:        make(map[string]*timedEntry[*ConsentRecord]),
		refreshTokens:   make(map[string]*timedEntry[*RefreshToken]),
		families:        make(map[string][]string),
		codes:           make(map[string]*timedEntry[*AuthorizationCode]),
		messages:        make(map[string]*timedEntry[[]byte]),
		users:           make(map[string]*User),
		usersByName:     make(map[string]string),
		usersByProvider: make(map[string]string),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func collectExpired[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var keys []string
	for k, v := range m {
		if v.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// cleanupExpired collects expired keys under the read lock, then deletes
// them under the write lock.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	expiredSessions := collectExpired(s.sessions, now)
	expiredConsents := collectExpired(s.consents, now)
	expiredRefresh := collectExpired(s.refreshTokens, now)
	expiredCodes := collectExpired(s.codes, now)
	expiredMessages := collectExpired(s.messages, now)
	s.mu.RUnlock()

	total := len(expiredSessions) + len(expiredConsents) + len(expiredRefresh) + len(expiredCodes) + len(expiredMessages)
	if total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Entries may have been refreshed between the two phases.
	for _, k := range expiredSessions {
		if e, ok := s.sessions[k]; ok && e.expired(now) {
			delete(s.sessions, k)
		}
	}
	for _, k := range expiredConsents {
		if e, ok := s.consents[k]; ok && e.expired(now) {
			delete(s.consents, k)
		}
	}
	for _, k := range expiredRefresh {
		if e, ok := s.refreshTokens[k]; ok && e.expired(now) {
			s.removeRefreshTokenLocked(k)
		}
	}
	for _, k := range expiredCodes {
		if e, ok := s.codes[k]; ok && e.expired(now) {
			delete(s.codes, k)
		}
	}
	for _, k := range expiredMessages {
		if e, ok := s.messages[k]; ok && e.expired(now) {
			delete(s.messages, k)
		}
	}

	logger.Debugw("expired entries removed from memory storage", "count", total)
}

// compositeKey builds a collision-free key from two strings.
func compositeKey(a, b string) string {
	return fmt.Sprintf("%d:%s:%s", len(a), a, b)
}

// -----------------------
// SessionStore
// -----------------------

// CreateSession implements SessionStore.
func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.sessions[session.ID]; exists && !e.expired(time.Now()) {
		return fmt.Errorf("%w: session", ErrAlreadyExists)
	}
	s.sessions[session.ID] = &timedEntry[*Session]{value: session.Clone(), expiresAt: session.ExpiresAt}
	return nil
}

// GetSession implements SessionStore.
func (s *MemoryStorage) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	return e.value.Clone(), nil
}

// UpdateSession implements SessionStore.
func (s *MemoryStorage) UpdateSession(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}

	updated := e.value.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.ID = id
	s.sessions[id] = &timedEntry[*Session]{value: updated, expiresAt: updated.ExpiresAt}
	return updated.Clone(), nil
}

// DeleteSession implements SessionStore.
func (s *MemoryStorage) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// -----------------------
// ConsentStore
// -----------------------

// GetConsent implements ConsentStore.
func (s *MemoryStorage) GetConsent(_ context.Context, subject, clientID string) (*ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.consents[compositeKey(subject, clientID)]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	c := *e.value
	c.Scopes = slices.Clone(e.value.Scopes)
	return &c, nil
}

// StoreConsent implements ConsentStore.
func (s *MemoryStorage) StoreConsent(_ context.Context, record *ConsentRecord) error {
	if record == nil || record.Subject == "" || record.ClientID == "" {
		return fmt.Errorf("consent subject and client id cannot be empty")
	}

	c := *record
	c.Scopes = slices.Clone(record.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[compositeKey(record.Subject, record.ClientID)] = &timedEntry[*ConsentRecord]{value: &c, expiresAt: c.ExpiresAt}
	return nil
}

// DeleteConsent implements ConsentStore.
func (s *MemoryStorage) DeleteConsent(_ context.Context, subject, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, compositeKey(subject, clientID))
	return nil
}

// -----------------------
// RefreshTokenLedger
// -----------------------

func cloneRefreshToken(t *RefreshToken) *RefreshToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.Audiences = slices.Clone(t.Audiences)
	if t.Claims != nil {
		c.Claims = make(map[string]string, len(t.Claims))
		for k, v := range t.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}

func (s *MemoryStorage) storeRefreshTokenLocked(token *RefreshToken) error {
	if _, exists := s.refreshTokens[token.ID]; exists {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}
	s.refreshTokens[token.ID] = &timedEntry[*RefreshToken]{value: cloneRefreshToken(token), expiresAt: token.ExpiresAt}
	s.families[token.FamilyID] = append(s.families[token.FamilyID], token.ID)
	return nil
}

func (s *MemoryStorage) removeRefreshTokenLocked(id string) {
	e, ok := s.refreshTokens[id]
	if !ok {
		return
	}
	delete(s.refreshTokens, id)
	fam := slices.DeleteFunc(s.families[e.value.FamilyID], func(v string) bool { return v == id })
	if len(fam) == 0 {
		delete(s.families, e.value.FamilyID)
	} else {
		s.families[e.value.FamilyID] = fam
	}
}

// StoreRefreshToken implements RefreshTokenLedger.
func (s *MemoryStorage) StoreRefreshToken(_ context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" || token.FamilyID == "" {
		return fmt.Errorf("refresh token id and family cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeRefreshTokenLocked(token)
}

// GetRefreshToken implements RefreshTokenLedger.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.refreshTokens[id]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return cloneRefreshToken(e.value), nil
}

// RotateRefreshToken implements RefreshTokenLedger.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, id string, next *RefreshToken) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refreshTokens[id]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if e.value.IsConsumed() {
		return cloneRefreshToken(e.value), fmt.Errorf("%w: refresh token", ErrConsumed)
	}

	if next != nil {
		if err := s.storeRefreshTokenLocked(next); err != nil {
			return nil, err
		}
	}
	e.value.ConsumedAt = time.Now()
	return cloneRefreshToken(e.value), nil
}

// ExtendRefreshToken implements RefreshTokenLedger.
func (s *MemoryStorage) ExtendRefreshToken(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refreshTokens[id]
	if !ok || e.expired(time.Now()) {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	e.value.ExpiresAt = expiresAt
	e.expiresAt = expiresAt
	return nil
}

// RevokeRefreshTokenFamily implements RefreshTokenLedger.
func (s *MemoryStorage) RevokeRefreshTokenFamily(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.families[familyID] {
		delete(s.refreshTokens, id)
	}
	delete(s.families, familyID)
	return nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// StoreAuthorizationCode implements AuthorizationCodeStore.
func (s *MemoryStorage) StoreAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	c.Resources = slices.Clone(code.Resources)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.codes[code.Code] = &timedEntry[*AuthorizationCode]{value: &c, expiresAt: c.ExpiresAt}
	return nil
}

// ConsumeAuthorizationCode implements AuthorizationCodeStore.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	delete(s.codes, code)
	if e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return e.value, nil
}

// -----------------------
// MessageStore
// -----------------------

// WriteMessage implements MessageStore.
func (s *MemoryStorage) WriteMessage(_ context.Context, data []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	id := rand.Text()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[id] = &timedEntry[[]byte]{value: slices.Clone(data), expiresAt: time.Now().Add(ttl)}
	return id, nil
}

// ReadMessage implements MessageStore.
func (s *MemoryStorage) ReadMessage(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.messages[id]
	if !ok || e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: message", ErrNotFound)
	}
	return slices.Clone(e.value), nil
}

// ConsumeMessage implements MessageStore.
func (s *MemoryStorage) ConsumeMessage(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message", ErrNotFound)
	}
	delete(s.messages, id)
	if e.expired(time.Now()) {
		return nil, fmt.Errorf("%w: message", ErrNotFound)
	}
	return e.value, nil
}

// -----------------------
// UserStore
// -----------------------

func cloneUser(u *User) *User {
	c := *u
	if u.Claims != nil {
		c.Claims = make(map[string]string, len(u.Claims))
		for k, v := range u.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}

// CreateUser implements UserStore.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.Subject == "" {
		return fmt.Errorf("user subject cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Subject]; exists {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}
	if user.Username != "" {
		if _, exists := s.usersByName[user.Username]; exists {
			return fmt.Errorf("%w: username", ErrAlreadyExists)
		}
	}
	var providerKey string
	if user.ProviderName != "" {
		providerKey = compositeKey(user.ProviderName, user.ProviderSubject)
		if _, exists := s.usersByProvider[providerKey]; exists {
			return fmt.Errorf("%w: provider identity", ErrAlreadyExists)
		}
	}

	s.users[user.Subject] = cloneUser(user)
	if user.Username != "" {
		s.usersByName[user.Username] = user.Subject
	}
	if providerKey != "" {
		s.usersByProvider[providerKey] = user.Subject
	}
	return nil
}

// GetUser implements UserStore.
func (s *MemoryStorage) GetUser(_ context.Context, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[subject]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(u), nil
}

// FindUserByUsername implements UserStore.
func (s *MemoryStorage) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.usersByName[username]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(s.users[subject]), nil
}

// FindUserByExternalProvider implements UserStore.
func (s *MemoryStorage) FindUserByExternalProvider(_ context.Context, provider, externalID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.usersByProvider[compositeKey(provider, externalID)]
	if !ok {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(s.users[subject]), nil
}

// Stats reports entry counts, for tests and debug logging.
type Stats struct {
	Sessions      int
	Consents      int
	RefreshTokens int
	Codes         int
	Messages      int
	Users         int
}

// Stats returns the current entry counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Sessions:      len(s.sessions),
		Consents:      len(s.consents),
		RefreshTokens: len(s.refreshTokens),
		Codes:         len(s.codes),
		Messages:      len(s.messages),
		Users:         len(s.users),
	}
}
