// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/storage/storagetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "authcore.db")
	s, err := Open(t.Context(), storage.SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	return s
}

func TestSQLiteStore_Conformance(t *testing.T) {
	t.Parallel()

	storagetest.RunConformance(t, func(t *testing.T) storage.Storage {
		return openSQLite(t)
	})
}

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), storage.SQLConfig{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sql driver")

	_, err = Open(context.Background(), storage.SQLConfig{Driver: "sqlite"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn is required")
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "authcore.db")
	first, err := Open(t.Context(), storage.SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, first.CreateSession(t.Context(), &storage.Session{ID: "kept"}))
	require.NoError(t, first.Close())

	second, err := Open(t.Context(), storage.SQLConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	_, err = second.GetSession(t.Context(), "kept")
	assert.NoError(t, err)
}

func TestDeleteExpired(t *testing.T) {
	t.Parallel()

	s := openSQLite(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := t.Context()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, s.CreateSession(ctx, &storage.Session{ID: "old", ExpiresAt: past}))
	require.NoError(t, s.CreateSession(ctx, &storage.Session{ID: "forever"}))
	require.NoError(t, s.deleteExpired(ctx))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := &Store{dialect: DialectPostgres}
	lite := &Store{dialect: DialectSQLite}
	query := `SELECT data FROM users WHERE provider_name = ? AND provider_subject = ?`

	assert.Equal(t, `SELECT data FROM users WHERE provider_name = $1 AND provider_subject = $2`, pg.rebind(query))
	assert.Equal(t, query, lite.rebind(query))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return New(db, DialectPostgres), mock
}

func TestPostgres_RotateReplayReturnsConsumed(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens SET consumed_at = $1 WHERE id = $2 AND consumed_at IS NULL AND expires_at > $3`)).
		WithArgs(sqlmock.AnyArg(), "rt-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, consumed_at FROM refresh_tokens WHERE id = $1`)).
		WithArgs("rt-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"data", "consumed_at"}).
			AddRow(`{"id":"rt-1","family_id":"fam"}`, time.Now().UnixMilli()))
	mock.ExpectRollback()

	old, err := s.RotateRefreshToken(context.Background(), "rt-1", &storage.RefreshToken{ID: "rt-2", FamilyID: "fam"})
	require.ErrorIs(t, err, storage.ErrConsumed)
	assert.Equal(t, "fam", old.FamilyID)
	assert.True(t, old.IsConsumed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RotateRecordsSuccessor(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	next := &storage.RefreshToken{ID: "rt-2", FamilyID: "fam", ExpiresAt: time.Now().Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens SET consumed_at = $1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data, consumed_at FROM refresh_tokens`)).
		WillReturnRows(sqlmock.NewRows([]string{"data", "consumed_at"}).
			AddRow(`{"id":"rt-1","family_id":"fam"}`, time.Now().UnixMilli()))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens (id, family_id, data, consumed_at, expires_at) VALUES ($1, $2, $3, NULL, $4)`)).
		WithArgs("rt-2", "fam", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	old, err := s.RotateRefreshToken(context.Background(), "rt-1", next)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", old.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateUserConflict(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (subject, username, provider_name, provider_subject, data) VALUES ($1, $2, $3, $4, $5)`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateUser(context.Background(), &storage.User{Subject: "1", Username: "alice"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConsumeCodeMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM authorization_codes WHERE code = $1 RETURNING data, expires_at`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := s.ConsumeAuthorizationCode(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
