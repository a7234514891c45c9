// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authcore/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix namespaces every key written by the server.
	DefaultKeyPrefix = "authcore:"

	// maxTxRetries bounds optimistic transaction retries on contended keys.
	maxTxRetries = 16

	// defaultConnectAttempts bounds the startup ping retries.
	defaultConnectAttempts = 5
)

// KeyType identifies the kind of record a redis key holds.
type KeyType string

// Key types.
const (
	KeyTypeSession       KeyType = "session"
	KeyTypeConsent       KeyType = "consent"
	KeyTypeRefreshToken  KeyType = "rt"
	KeyTypeRefreshFamily KeyType = "rtfamily"
	KeyTypeCode          KeyType = "code"
	KeyTypeMessage       KeyType = "msg"
	KeyTypeUser          KeyType = "user"
	KeyTypeUsername      KeyType = "username"
	KeyTypeProvider      KeyType = "provider"
)

func redisKey(prefix string, kt KeyType, id string) string {
	return prefix + string(kt) + ":" + id
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the address of a standalone server. Ignored when Sentinel is set.
	Addr string `yaml:"addr,omitempty"`

	// Sentinel enables failover through Redis Sentinel.
	Sentinel *SentinelConfig `yaml:"sentinel,omitempty"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// KeyPrefix for multi-tenancy. Defaults to DefaultKeyPrefix.
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `yaml:"master_name"`
	SentinelAddrs []string `yaml:"addrs"`
}

// RedisStorage implements Storage on top of Redis. Single-use records rely on
// GETDEL, sessions on WATCH/MULTI and refresh rotation on a Lua script, so all
// read-modify-write paths are atomic across server instances.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Storage = (*RedisStorage)(nil)

var redisLoggerOnce sync.Once

// redisLogger routes go-redis internal logs (pool and failover events) to the
// process-wide logger at debug verbosity.
type redisLogger struct{}

func (redisLogger) Printf(_ context.Context, format string, v ...any) {
	logger.NewLogr("component", "redis").V(1).Info(fmt.Sprintf(format, v...))
}

func installRedisLogger() {
	redisLoggerOnce.Do(func() {
		redis.SetLogger(redisLogger{})
	})
}

// NewRedisStorage connects to Redis and verifies the connection, retrying the
// initial ping with exponential backoff.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	installRedisLogger()

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(defaultConnectAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("redis not reachable, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	installRedisLogger()
	return &RedisStorage{client: client, keyPrefix: keyPrefix}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.Sentinel != nil {
		if cfg.Sentinel.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.Sentinel.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		return nil
	}
	if cfg.Addr == "" {
		return errors.New("either addr or sentinel configuration is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health implements Storage.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(kt KeyType, id string) string {
	return redisKey(s.keyPrefix, kt, id)
}

// ttlUntil returns the TTL for a record expiring at t; zero means no expiry.
func ttlUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := time.Until(t)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, v any, what string) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// CreateSession implements SessionStore.
func (s *RedisStorage) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id cannot be empty")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(KeyTypeSession, session.ID), data, ttlUntil(session.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session", ErrAlreadyExists)
	}
	return nil
}

// GetSession implements SessionStore.
func (s *RedisStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.getJSON(ctx, s.key(KeyTypeSession, id), &session, "session"); err != nil {
		return nil, err
	}
	if session.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	return &session, nil
}

// UpdateSession implements SessionStore using an optimistic WATCH/MULTI
// transaction that is retried when another writer touches the key.
func (s *RedisStorage) UpdateSession(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := s.key(KeyTypeSession, id)
	var result *Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: session", ErrNotFound)
			}
			return fmt.Errorf("failed to get session: %w", err)
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if session.IsExpired(time.Now()) {
			return fmt.Errorf("%w: session", ErrNotFound)
		}
		if err := fn(&session); err != nil {
			return err
		}
		session.ID = id

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttlUntil(session.ExpiresAt))
			return nil
		})
		if err != nil {
			return err
		}
		result = &session
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update session %s: too much contention", id)
}

// DeleteSession implements SessionStore.
func (s *RedisStorage) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(KeyTypeSession, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// -----------------------
// ConsentStore
// -----------------------

// GetConsent implements ConsentStore.
func (s *RedisStorage) GetConsent(ctx context.Context, subject, clientID string) (*ConsentRecord, error) {
	var record ConsentRecord
	if err := s.getJSON(ctx, s.key(KeyTypeConsent, compositeKey(subject, clientID)), &record, "consent"); err != nil {
		return nil, err
	}
	if record.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: consent", ErrNotFound)
	}
	return &record, nil
}

// StoreConsent implements ConsentStore. A single SET replaces the record atomically.
func (s *RedisStorage) StoreConsent(ctx context.Context, record *ConsentRecord) error {
	if record == nil || record.Subject == "" || record.ClientID == "" {
		return errors.New("consent subject and client id cannot be empty")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	key := s.key(KeyTypeConsent, compositeKey(record.Subject, record.ClientID))
	if err := s.client.Set(ctx, key, data, ttlUntil(record.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// DeleteConsent implements ConsentStore.
func (s *RedisStorage) DeleteConsent(ctx context.Context, subject, clientID string) error {
	if err := s.client.Del(ctx, s.key(KeyTypeConsent, compositeKey(subject, clientID))).Err(); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	return nil
}

// -----------------------
// RefreshTokenLedger
// -----------------------

// Refresh tokens are stored as hashes with an immutable "data" field and a
// mutable "consumed_at" field so the rotation script never re-encodes JSON.

// rotateRefreshTokenScript atomically consumes KEYS[1] and, when ARGV[2] is not
// empty, stores KEYS[2] in the family set KEYS[3].
// Returns {0} if absent, {2, data, consumed_at} if already consumed, {1, data} on success.
var rotateRefreshTokenScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
	return {0}
end
local consumed = redis.call('HGET', KEYS[1], 'consumed_at')
if consumed and consumed ~= '0' then
	return {2, data, consumed}
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
if ARGV[2] ~= '' then
	redis.call('HSET', KEYS[2], 'data', ARGV[2], 'consumed_at', '0')
	redis.call('PEXPIRE', KEYS[2], ARGV[3])
	redis.call('SADD', KEYS[3], KEYS[2])
	redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
return {1, data}
`)

func familyTTL(t *RefreshToken) time.Duration {
	if !t.AbsoluteExpiresAt.IsZero() {
		return ttlUntil(t.AbsoluteExpiresAt)
	}
	return ttlUntil(t.ExpiresAt)
}

// StoreRefreshToken implements RefreshTokenLedger.
func (s *RedisStorage) StoreRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil || token.ID == "" || token.FamilyID == "" {
		return errors.New("refresh token id and family cannot be empty")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.key(KeyTypeRefreshToken, token.ID)
	famKey := s.key(KeyTypeRefreshFamily, token.FamilyID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "consumed_at", "0")
		pipe.PExpire(ctx, key, ttlUntil(token.ExpiresAt))
		pipe.SAdd(ctx, famKey, key)
		pipe.PExpire(ctx, famKey, familyTTL(token))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func decodeRefreshToken(data string, consumedAt string) (*RefreshToken, error) {
	var token RefreshToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if consumedAt != "" && consumedAt != "0" {
		var ms int64
		if _, err := fmt.Sscan(consumedAt, &ms); err == nil {
			token.ConsumedAt = time.UnixMilli(ms)
		}
	}
	return &token, nil
}

// GetRefreshToken implements RefreshTokenLedger.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.key(KeyTypeRefreshToken, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	token, err := decodeRefreshToken(data, fields["consumed_at"])
	if err != nil {
		return nil, err
	}
	if token.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return token, nil
}

// RotateRefreshToken implements RefreshTokenLedger.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, id string, next *RefreshToken) (*RefreshToken, error) {
	key := s.key(KeyTypeRefreshToken, id)

	var (
		nextKey, nextData, famKey string
		nextTTL, famTTL           int64
	)
	if next != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		nextKey = s.key(KeyTypeRefreshToken, next.ID)
		nextData = string(data)
		famKey = s.key(KeyTypeRefreshFamily, next.FamilyID)
		nextTTL = ttlUntil(next.ExpiresAt).Milliseconds()
		famTTL = familyTTL(next).Milliseconds()
	} else {
		// Keys must still be declared for cluster slot routing.
		nextKey, famKey = key, key
	}

	now := time.Now()
	res, err := rotateRefreshTokenScript.Run(ctx, s.client,
		[]string{key, nextKey, famKey},
		now.UnixMilli(), nextData, nextTTL, famTTL,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	status, _ := res[0].(int64)
	switch status {
	case 0:
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	case 2:
		data, _ := res[1].(string)
		consumed, _ := res[2].(string)
		old, err := decodeRefreshToken(data, consumed)
		if err != nil {
			return nil, err
		}
		return old, fmt.Errorf("%w: refresh token", ErrConsumed)
	default:
		data, _ := res[1].(string)
		old, err := decodeRefreshToken(data, "")
		if err != nil {
			return nil, err
		}
		old.ConsumedAt = time.UnixMilli(now.UnixMilli())
		return old, nil
	}
}

// ExtendRefreshToken implements RefreshTokenLedger.
func (s *RedisStorage) ExtendRefreshToken(ctx context.Context, id string, expiresAt time.Time) error {
	key := s.key(KeyTypeRefreshToken, id)
	token, err := s.GetRefreshToken(ctx, id)
	if err != nil {
		return err
	}
	token.ExpiresAt = expiresAt
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data)
		pipe.PExpire(ctx, key, ttlUntil(expiresAt))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extend refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokenFamily implements RefreshTokenLedger.
func (s *RedisStorage) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	famKey := s.key(KeyTypeRefreshFamily, familyID)
	members, err := s.client.SMembers(ctx, famKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list refresh token family: %w", err)
	}

	keys := append(members, famKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	return nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// StoreAuthorizationCode implements AuthorizationCodeStore.
func (s *RedisStorage) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(KeyTypeCode, code.Code), data, ttlUntil(code.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// ConsumeAuthorizationCode implements AuthorizationCodeStore.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key(KeyTypeCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	var ac AuthorizationCode
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return &ac, nil
}

// -----------------------
// MessageStore
// -----------------------

// WriteMessage implements MessageStore.
func (s *RedisStorage) WriteMessage(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	id := rand.Text()
	if err := s.client.Set(ctx, s.key(KeyTypeMessage, id), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	return id, nil
}

// ReadMessage implements MessageStore.
func (s *RedisStorage) ReadMessage(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeMessage, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: message", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// ConsumeMessage implements MessageStore.
func (s *RedisStorage) ConsumeMessage(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, s.key(KeyTypeMessage, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: message", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	return data, nil
}

// -----------------------
// UserStore
// -----------------------

// CreateUser implements UserStore. The user record is claimed with SETNX and
// each secondary index is claimed the same way; a failed index claim rolls
// back everything written before it.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.Subject == "" {
		return errors.New("user subject cannot be empty")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	userKey := s.key(KeyTypeUser, user.Subject)
	ok, err := s.client.SetNX(ctx, userKey, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}

	written := []string{userKey}
	rollback := func() {
		if err := s.client.Del(ctx, written...).Err(); err != nil {
			logger.Warnw("failed to roll back partial user creation", "subject", user.Subject, "error", err)
		}
	}

	claimIndex := func(key, what string) error {
		ok, err := s.client.SetNX(ctx, key, user.Subject, 0).Result()
		if err != nil {
			rollback()
			return fmt.Errorf("failed to index %s: %w", what, err)
		}
		if !ok {
			rollback()
			return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
		}
		written = append(written, key)
		return nil
	}

	if user.Username != "" {
		if err := claimIndex(s.key(KeyTypeUsername, user.Username), "username"); err != nil {
			return err
		}
	}
	if user.ProviderName != "" {
		providerKey := s.key(KeyTypeProvider, compositeKey(user.ProviderName, user.ProviderSubject))
		if err := claimIndex(providerKey, "provider identity"); err != nil {
			return err
		}
	}
	return nil
}

// GetUser implements UserStore.
func (s *RedisStorage) GetUser(ctx context.Context, subject string) (*User, error) {
	var user User
	if err := s.getJSON(ctx, s.key(KeyTypeUser, subject), &user, "user"); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *RedisStorage) userByIndex(ctx context.Context, indexKey string) (*User, error) {
	subject, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return s.GetUser(ctx, subject)
}

// FindUserByUsername implements UserStore.
func (s *RedisStorage) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.userByIndex(ctx, s.key(KeyTypeUsername, username))
}

// FindUserByExternalProvider implements UserStore.
func (s *RedisStorage) FindUserByExternalProvider(ctx context.Context, provider, externalID string) (*User, error) {
	return s.userByIndex(ctx, s.key(KeyTypeProvider, compositeKey(provider, externalID)))
}
