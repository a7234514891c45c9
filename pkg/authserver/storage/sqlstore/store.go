// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements storage.Storage on SQLite or PostgreSQL.
//
// Records are kept as JSON documents next to the columns needed for lookups,
// expiry and the single-use checks. Every check-and-set runs as one
// conditional statement (UPDATE ... WHERE consumed_at IS NULL,
// DELETE ... RETURNING, or a version compare) so the database arbitrates
// concurrent writers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/logger"
)

// Dialect selects SQL syntax differences between the supported databases.
type Dialect string

const (
	// DialectSQLite targets modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres targets PostgreSQL through pgx.
	DialectPostgres Dialect = "postgres"

	// maxVersionRetries bounds optimistic session update retries.
	maxVersionRetries = 32

	connectAttempts = 5
	sqliteBusyMs    = 5000
)

// Store is a SQL backed storage.Storage.
type Store struct {
	db      *sql.DB
	dialect Dialect

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

var _ storage.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithCleanupInterval sets how often expired rows are deleted. Zero disables the sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// Open connects to the configured database, applies migrations and starts
// the expiry sweep.
func Open(ctx context.Context, cfg storage.SQLConfig, opts ...Option) (*Store, error) {
	d := Dialect(cfg.Driver)
	var driverName string
	switch d {
	case DialectSQLite, "":
		d, driverName = DialectSQLite, "sqlite"
	case DialectPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn is required")
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}

	if d == DialectSQLite {
		// One connection serializes writers and keeps per-connection pragmas.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnw("database not reachable, retrying", "driver", d, "error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d, err)
	}

	if d == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = "+strconv.Itoa(sqliteBusyMs)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	if err := runMigrations(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}

	opts = append([]Option{WithCleanupInterval(storage.DefaultCleanupInterval)}, opts...)
	return New(db, d, opts...), nil
}

// New wraps an already migrated database. The Store owns db and closes it on Close.
func New(db *sql.DB, d Dialect, opts ...Option) *Store {
	s := &Store{
		db:          db,
		dialect:     d,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}
	return s
}

// Health implements storage.Storage.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the expiry sweep and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.db.Close()
	})
	return err
}

func (s *Store) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if err := s.deleteExpired(context.Background()); err != nil {
				logger.Warnw("failed to delete expired rows", "error", err)
			}
		}
	}
}

var expiringTables = []string{"sessions", "consents", "refresh_tokens", "authorization_codes", "messages"}

func (s *Store) deleteExpired(ctx context.Context) error {
	now := millis(time.Now())
	var total int64
	for _, table := range expiringTables {
		res, err := s.db.ExecContext(ctx,
			s.rebind(`DELETE FROM `+table+` WHERE expires_at <> 0 AND expires_at <= ?`), now)
		if err != nil {
			return fmt.Errorf("cleaning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		logger.Debugw("expired rows removed from sql storage", "count", total)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// millis converts t to unix milliseconds; the zero time maps to 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
