// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

// StoreRefreshToken implements storage.RefreshTokenLedger.
func (s *Store) StoreRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" || token.FamilyID == "" {
		return errors.New("refresh token id and family cannot be empty")
	}
	return insertRefreshToken(ctx, s.db, s.rebind, token)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, rebind func(string) string, token *storage.RefreshToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	_, err = db.ExecContext(ctx,
		rebind(`INSERT INTO refresh_tokens (id, family_id, data, consumed_at, expires_at) VALUES (?, ?, ?, NULL, ?)`),
		token.ID, token.FamilyID, string(data), millis(token.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func decodeRefreshToken(data string, consumedAt sql.NullInt64) (*storage.RefreshToken, error) {
	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if consumedAt.Valid {
		token.ConsumedAt = time.UnixMilli(consumedAt.Int64)
	}
	return &token, nil
}

// GetRefreshToken implements storage.RefreshTokenLedger.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	var (
		data     string
		consumed sql.NullInt64
	)
	err := s.queryRow(ctx,
		`SELECT data, consumed_at FROM refresh_tokens WHERE id = ? AND expires_at > ?`,
		id, millis(time.Now()),
	).Scan(&data, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh token: %w", err)
	}
	token, err := decodeRefreshToken(data, consumed)
	if err != nil {
		return nil, err
	}
	if token.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return token, nil
}

// RotateRefreshToken implements storage.RefreshTokenLedger. The conditional
// UPDATE is the arbiter: only the transaction that flips consumed_at from
// NULL records the successor.
func (s *Store) RotateRefreshToken(ctx context.Context, id string, next *storage.RefreshToken) (*storage.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE refresh_tokens SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL AND expires_at > ?`),
		now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	won, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var (
		data     string
		consumed sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT data, consumed_at FROM refresh_tokens WHERE id = ? AND expires_at > ?`),
		id, now.UnixMilli(),
	).Scan(&data, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh token: %w", err)
	}
	old, err := decodeRefreshToken(data, consumed)
	if err != nil {
		return nil, err
	}

	if won == 0 {
		return old, fmt.Errorf("%w: refresh token", storage.ErrConsumed)
	}

	if next != nil {
		if err := insertRefreshToken(ctx, tx, s.rebind, next); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return old, nil
}

// ExtendRefreshToken implements storage.RefreshTokenLedger.
func (s *Store) ExtendRefreshToken(ctx context.Context, id string, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var data string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT data FROM refresh_tokens WHERE id = ? AND expires_at > ?`),
		id, millis(time.Now()),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query refresh token: %w", err)
	}

	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	token.ExpiresAt = expiresAt
	updated, err := json.Marshal(&token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE refresh_tokens SET data = ?, expires_at = ? WHERE id = ?`),
		string(updated), millis(expiresAt), id); err != nil {
		return fmt.Errorf("failed to extend refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RevokeRefreshTokenFamily implements storage.RefreshTokenLedger.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	if _, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE family_id = ?`, familyID); err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	return nil
}

// StoreAuthorizationCode implements storage.AuthorizationCodeStore.
func (s *Store) StoreAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO authorization_codes (code, data, expires_at) VALUES (?, ?, ?)`,
		code.Code, string(data), millis(code.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode implements storage.AuthorizationCodeStore.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var (
		data      string
		expiresAt int64
	)
	err := s.queryRow(ctx, `DELETE FROM authorization_codes WHERE code = ? RETURNING data, expires_at`, code).
		Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if expiresAt <= millis(time.Now()) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	var ac storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &ac); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &ac, nil
}

// WriteMessage implements storage.MessageStore.
func (s *Store) WriteMessage(ctx context.Context, data []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = storage.DefaultMessageTTL
	}
	id := rand.Text()
	_, err := s.exec(ctx, `INSERT INTO messages (id, data, expires_at) VALUES (?, ?, ?)`,
		id, base64.StdEncoding.EncodeToString(data), millis(time.Now().Add(ttl)))
	if err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	return id, nil
}

// ReadMessage implements storage.MessageStore.
func (s *Store) ReadMessage(ctx context.Context, id string) ([]byte, error) {
	var encoded string
	err := s.queryRow(ctx, `SELECT data FROM messages WHERE id = ? AND expires_at > ?`, id, millis(time.Now())).
		Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// ConsumeMessage implements storage.MessageStore.
func (s *Store) ConsumeMessage(ctx context.Context, id string) ([]byte, error) {
	var (
		encoded   string
		expiresAt int64
	)
	err := s.queryRow(ctx, `DELETE FROM messages WHERE id = ? RETURNING data, expires_at`, id).
		Scan(&encoded, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	if expiresAt <= millis(time.Now()) {
		return nil, fmt.Errorf("%w: message", storage.ErrNotFound)
	}
	return base64.StdEncoding.DecodeString(encoded)
}
