// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite is a Store backed by a SQLite database file.
//
// Timestamps are stored as Unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the SQLite database at path, creating it if needed, and
// applies pending migrations. The path ":memory:" opens a private in-memory
// database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps in-memory databases
	// alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS("sqlite"))
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertOwnership(ctx context.Context, o Ownership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ownerships (user_id, app_name, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, app_name)
		DO UPDATE SET session_id = excluded.session_id, created_at = excluded.created_at`,
		o.UserID, o.App, o.Session, orNow(o.CreatedAt).UnixMilli(),
	)
	return err
}

func (s *SQLite) ListApps(ctx context.Context, userID int64) ([]Ownership, error) {
	return s.queryOwnerships(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		WHERE user_id = ?
		ORDER BY created_at, app_name`,
		userID,
	)
}

func (s *SQLite) FindOwner(ctx context.Context, app string) (Ownership, error) {
	owners, err := s.queryOwnerships(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		WHERE app_name = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		app,
	)
	if err != nil {
		return Ownership{}, err
	}
	if len(owners) == 0 {
		return Ownership{}, ErrNotFound
	}
	return owners[0], nil
}

func (s *SQLite) RemoveOwnership(ctx context.Context, userID int64, app string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ownerships WHERE user_id = ? AND app_name = ?", userID, app)
	return err
}

func (s *SQLite) RemoveApp(ctx context.Context, app string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ownerships WHERE app_name = ?", app)
	return err
}

func (s *SQLite) ListAll(ctx context.Context) ([]Ownership, error) {
	return s.queryOwnerships(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		ORDER BY created_at, app_name`,
	)
}

func (s *SQLite) DedupeOwners(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, dedupeQuery)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) CreateDeployKey(ctx context.Context, k DeployKey) error {
	if k.UsesLeft < 1 {
		return ErrInvalidUses
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deploy_keys (key, uses_left, created_by, created_at)
		VALUES (?, ?, ?, ?)`,
		k.Key, k.UsesLeft, k.CreatedBy, orNow(k.CreatedAt).UnixMilli(),
	)
	return err
}

func (s *SQLite) RedeemDeployKey(ctx context.Context, key string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var left int
	err = tx.QueryRowContext(ctx, `
		UPDATE deploy_keys SET uses_left = uses_left - 1
		WHERE key = ? AND uses_left > 0
		RETURNING uses_left`,
		key,
	).Scan(&left)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoKey
	}
	if err != nil {
		return 0, err
	}
	if left == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM deploy_keys WHERE key = ?", key); err != nil {
			return 0, err
		}
	}

	return left, tx.Commit()
}

func (s *SQLite) ListDeployKeys(ctx context.Context) ([]DeployKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, uses_left, created_by, created_at FROM deploy_keys
		ORDER BY created_at, key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []DeployKey
	for rows.Next() {
		var (
			k  DeployKey
			ms int64
		)
		if err := rows.Scan(&k.Key, &k.UsesLeft, &k.CreatedBy, &ms); err != nil {
			return nil, err
		}
		k.CreatedAt = time.UnixMilli(ms)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) FreeTrial(ctx context.Context, userID int64) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT last_deploy_at FROM free_trials WHERE user_id = ?", userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *SQLite) RecordFreeTrial(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO free_trials (user_id, last_deploy_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_deploy_at = excluded.last_deploy_at`,
		userID, orNow(at).UnixMilli(),
	)
	return err
}

func (s *SQLite) SaveTrialApp(ctx context.Context, t TrialApp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trial_apps (app_name, user_id, chat_id, ends_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (app_name) DO UPDATE SET
			user_id = excluded.user_id, chat_id = excluded.chat_id, ends_at = excluded.ends_at`,
		t.App, t.UserID, t.ChatID, t.EndsAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) ListTrialApps(ctx context.Context) ([]TrialApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_name, user_id, chat_id, ends_at FROM trial_apps
		ORDER BY ends_at, app_name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []TrialApp
	for rows.Next() {
		var (
			t  TrialApp
			ms int64
		)
		if err := rows.Scan(&t.App, &t.UserID, &t.ChatID, &ms); err != nil {
			return nil, err
		}
		t.EndsAt = time.UnixMilli(ms)
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

func (s *SQLite) RemoveTrialApp(ctx context.Context, app string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM trial_apps WHERE app_name = ?", app)
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) queryOwnerships(ctx context.Context, query string, args ...any) ([]Ownership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []Ownership
	for rows.Next() {
		var (
			o  Ownership
			ms int64
		)
		if err := rows.Scan(&o.UserID, &o.App, &o.Session, &ms); err != nil {
			return nil, err
		}
		o.CreatedAt = time.UnixMilli(ms)
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
