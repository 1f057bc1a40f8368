// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the PostgreSQL database at url and applies pending
// migrations.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// The *sql.DB borrows connections from the pool, which is closed in
	// Close.
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS("postgres"))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := provider.Up(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) UpsertOwnership(ctx context.Context, o Ownership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ownerships (user_id, app_name, session_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, app_name)
		DO UPDATE SET session_id = EXCLUDED.session_id, created_at = EXCLUDED.created_at`,
		o.UserID, o.App, o.Session, orNow(o.CreatedAt),
	)
	return err
}

func (s *Postgres) ListApps(ctx context.Context, userID int64) ([]Ownership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		WHERE user_id = $1
		ORDER BY created_at, app_name`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanOwnership)
}

func (s *Postgres) FindOwner(ctx context.Context, app string) (Ownership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		WHERE app_name = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		app,
	)
	if err != nil {
		return Ownership{}, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOwnership)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ownership{}, ErrNotFound
	}
	return o, err
}

func (s *Postgres) RemoveOwnership(ctx context.Context, userID int64, app string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM ownerships WHERE user_id = $1 AND app_name = $2", userID, app)
	return err
}

func (s *Postgres) RemoveApp(ctx context.Context, app string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM ownerships WHERE app_name = $1", app)
	return err
}

func (s *Postgres) ListAll(ctx context.Context) ([]Ownership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, app_name, session_id, created_at FROM ownerships
		ORDER BY created_at, app_name`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanOwnership)
}

func (s *Postgres) DedupeOwners(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, dedupeQuery)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CreateDeployKey(ctx context.Context, k DeployKey) error {
	if k.UsesLeft < 1 {
		return ErrInvalidUses
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deploy_keys (key, uses_left, created_by, created_at)
		VALUES ($1, $2, $3, $4)`,
		k.Key, k.UsesLeft, k.CreatedBy, orNow(k.CreatedAt),
	)
	return err
}

func (s *Postgres) RedeemDeployKey(ctx context.Context, key string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var left int
	err = tx.QueryRow(ctx, `
		UPDATE deploy_keys SET uses_left = uses_left - 1
		WHERE key = $1 AND uses_left > 0
		RETURNING uses_left`,
		key,
	).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoKey
	}
	if err != nil {
		return 0, err
	}
	if left == 0 {
		if _, err := tx.Exec(ctx, "DELETE FROM deploy_keys WHERE key = $1", key); err != nil {
			return 0, err
		}
	}

	return left, tx.Commit(ctx)
}

func (s *Postgres) ListDeployKeys(ctx context.Context) ([]DeployKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, uses_left, created_by, created_at FROM deploy_keys
		ORDER BY created_at, key`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeployKey, error) {
		var k DeployKey
		err := row.Scan(&k.Key, &k.UsesLeft, &k.CreatedBy, &k.CreatedAt)
		return k, err
	})
}

func (s *Postgres) FreeTrial(ctx context.Context, userID int64) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, "SELECT last_deploy_at FROM free_trials WHERE user_id = $1", userID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last, true, nil
}

func (s *Postgres) RecordFreeTrial(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO free_trials (user_id, last_deploy_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_deploy_at = EXCLUDED.last_deploy_at`,
		userID, orNow(at),
	)
	return err
}

func (s *Postgres) SaveTrialApp(ctx context.Context, t TrialApp) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trial_apps (app_name, user_id, chat_id, ends_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_name) DO UPDATE SET
			user_id = EXCLUDED.user_id, chat_id = EXCLUDED.chat_id, ends_at = EXCLUDED.ends_at`,
		t.App, t.UserID, t.ChatID, t.EndsAt,
	)
	return err
}

func (s *Postgres) ListTrialApps(ctx context.Context) ([]TrialApp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT app_name, user_id, chat_id, ends_at FROM trial_apps
		ORDER BY ends_at, app_name`,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TrialApp, error) {
		var t TrialApp
		err := row.Scan(&t.App, &t.UserID, &t.ChatID, &t.EndsAt)
		return t, err
	})
}

func (s *Postgres) RemoveTrialApp(ctx context.Context, app string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM trial_apps WHERE app_name = $1", app)
	return err
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanOwnership(row pgx.CollectableRow) (Ownership, error) {
	var o Ownership
	err := row.Scan(&o.UserID, &o.App, &o.Session, &o.CreatedAt)
	return o, err
}
