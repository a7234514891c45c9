// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

// CreateSession implements storage.SessionStore.
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id cannot be empty")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// A stale row with the same id would otherwise block the insert until the sweep runs.
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ? AND expires_at <> 0 AND expires_at <= ?`,
		session.ID, millis(time.Now())); err != nil {
		return fmt.Errorf("failed to clear expired session: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO sessions (id, subject, data, version, expires_at) VALUES (?, ?, ?, 0, ?)`,
		session.ID, session.Subject, string(data), millis(session.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) loadSession(ctx context.Context, id string) (*storage.Session, int64, error) {
	var (
		data    string
		version int64
	)
	err := s.queryRow(ctx,
		`SELECT data, version FROM sessions WHERE id = ? AND (expires_at = 0 OR expires_at > ?)`,
		id, millis(time.Now()),
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: session", storage.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query session: %w", err)
	}

	var session storage.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, version, nil
}

// GetSession implements storage.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	session, _, err := s.loadSession(ctx, id)
	return session, err
}

// UpdateSession implements storage.SessionStore with an optimistic version check.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*storage.Session) error) (*storage.Session, error) {
	for range maxVersionRetries {
		session, version, err := s.loadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			return nil, err
		}
		session.ID = id

		data, err := json.Marshal(session)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}
		res, err := s.exec(ctx,
			`UPDATE sessions SET data = ?, subject = ?, version = version + 1, expires_at = ? WHERE id = ? AND version = ?`,
			string(data), session.Subject, millis(session.ExpiresAt), id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return session, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to update session %s: too much contention", id)
}

// DeleteSession implements storage.SessionStore.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetConsent implements storage.ConsentStore.
func (s *Store) GetConsent(ctx context.Context, subject, clientID string) (*storage.ConsentRecord, error) {
	var data string
	err := s.queryRow(ctx,
		`SELECT data FROM consents WHERE subject = ? AND client_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		subject, clientID, millis(time.Now()),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: consent", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query consent: %w", err)
	}

	var record storage.ConsentRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	return &record, nil
}

// StoreConsent implements storage.ConsentStore as a single upsert.
func (s *Store) StoreConsent(ctx context.Context, record *storage.ConsentRecord) error {
	if record == nil || record.Subject == "" || record.ClientID == "" {
		return errors.New("consent subject and client id cannot be empty")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO consents (subject, client_id, data, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (subject, client_id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		record.Subject, record.ClientID, string(data), millis(record.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// DeleteConsent implements storage.ConsentStore.
func (s *Store) DeleteConsent(ctx context.Context, subject, clientID string) error {
	if _, err := s.exec(ctx, `DELETE FROM consents WHERE subject = ? AND client_id = ?`, subject, clientID); err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	return nil
}
