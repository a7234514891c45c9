// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stacklok/authcore/pkg/authserver/storage"
)

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateUser implements storage.UserStore. Unique constraints on username and
// the provider link reject conflicting accounts in the same statement.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Subject == "" {
		return errors.New("user subject cannot be empty")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	var providerName, providerSubject sql.NullString
	if user.ProviderName != "" {
		providerName = nullable(user.ProviderName)
		providerSubject = sql.NullString{String: user.ProviderSubject, Valid: true}
	}

	_, err = s.exec(ctx,
		`INSERT INTO users (subject, username, provider_name, provider_subject, data) VALUES (?, ?, ?, ?, ?)`,
		user.Subject, nullable(user.Username), providerName, providerSubject, string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *Store) findUser(ctx context.Context, where string, args ...any) (*storage.User, error) {
	var data string
	err := s.queryRow(ctx, `SELECT data FROM users WHERE `+where, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	var user storage.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// GetUser implements storage.UserStore.
func (s *Store) GetUser(ctx context.Context, subject string) (*storage.User, error) {
	return s.findUser(ctx, `subject = ?`, subject)
}

// FindUserByUsername implements storage.UserStore.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.findUser(ctx, `username = ?`, username)
}

// FindUserByExternalProvider implements storage.UserStore.
func (s *Store) FindUserByExternalProvider(ctx context.Context, provider, externalID string) (*storage.User, error) {
	return s.findUser(ctx, `provider_name = ? AND provider_subject = ?`, provider, externalID)
}
