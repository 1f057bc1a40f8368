// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package store implements the ownership ledger: which user owns which
// deployed application, single-use deploy keys and free-trial records.
//
// Two backends are available: PostgreSQL and SQLite. Both apply their schema
// migrations on open.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested record doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrNoKey is returned by RedeemDeployKey when the key doesn't exist or has
	// no uses left.
	ErrNoKey = errors.New("deploy key is invalid or expired")
	// ErrInvalidUses is returned by CreateDeployKey for a non-positive use
	// count.
	ErrInvalidUses = errors.New("deploy key must have at least one use")
)

// Ownership records that a user owns a deployed application.
type Ownership struct {
	UserID int64
	App    string
	// Session is the session credential the application was deployed with.
	Session   string
	CreatedAt time.Time
}

// DeployKey is a code that allows a limited number of deployments.
type DeployKey struct {
	Key       string
	UsesLeft  int
	CreatedBy int64
	CreatedAt time.Time
}

// TrialApp is a free-trial application that is deleted at EndsAt.
type TrialApp struct {
	App    string
	UserID int64
	// ChatID receives the teardown warning and notice.
	ChatID int64
	EndsAt time.Time
}

// Store is the persistent ownership ledger.
//
// All methods must be safe for concurrent use.
type Store interface {
	// UpsertOwnership creates or updates the ownership record for (o.UserID,
	// o.App), replacing its session and creation time. A zero CreatedAt means
	// the current time.
	UpsertOwnership(ctx context.Context, o Ownership) error
	// ListApps returns the applications owned by user ordered by creation
	// time.
	ListApps(ctx context.Context, userID int64) ([]Ownership, error)
	// FindOwner returns the most recently created ownership record of app, or
	// ErrNotFound.
	FindOwner(ctx context.Context, app string) (Ownership, error)
	// RemoveOwnership removes the (user, app) record. Removing a missing record
	// is not an error.
	RemoveOwnership(ctx context.Context, userID int64, app string) error
	// RemoveApp removes every ownership record of app.
	RemoveApp(ctx context.Context, app string) error
	// ListAll returns all ownership records ordered by creation time.
	ListAll(ctx context.Context) ([]Ownership, error)
	// DedupeOwners removes ownership records of apps that have a more
	// recently created owner and reports how many were removed.
	DedupeOwners(ctx context.Context) (int, error)

	// CreateDeployKey stores a new deploy key.
	CreateDeployKey(ctx context.Context, k DeployKey) error
	// RedeemDeployKey atomically decrements the uses of key and returns how
	// many are left. The key is deleted when no uses are left. It returns
	// ErrNoKey if the key is absent or exhausted.
	RedeemDeployKey(ctx context.Context, key string) (usesLeft int, err error)
	// ListDeployKeys returns all outstanding deploy keys.
	ListDeployKeys(ctx context.Context) ([]DeployKey, error)

	// FreeTrial returns the time of the last free-trial deployment of user.
	// ok is false if user never deployed a free trial.
	FreeTrial(ctx context.Context, userID int64) (last time.Time, ok bool, err error)
	// RecordFreeTrial sets the time of the last free-trial deployment of user.
	RecordFreeTrial(ctx context.Context, userID int64, at time.Time) error
	// SaveTrialApp creates or replaces the teardown record of t.App.
	SaveTrialApp(ctx context.Context, t TrialApp) error
	// ListTrialApps returns the teardown records ordered by EndsAt.
	ListTrialApps(ctx context.Context) ([]TrialApp, error)
	// RemoveTrialApp removes the teardown record of app. Removing a missing
	// record is not an error.
	RemoveTrialApp(ctx context.Context, app string) error

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error
	// Close closes the store and releases any resources.
	Close() error
}

//go:embed migrations
var migrations embed.FS

func migrationsFS(dialect string) fs.FS {
	sub, err := fs.Sub(migrations, "migrations/"+dialect)
	if err != nil {
		panic(err)
	}
	return sub
}

// Open opens the store identified by dsn. URLs with postgres:// or
// postgresql:// scheme open a PostgreSQL store, everything else is treated as
// a SQLite database path with an optional "sqlite:" prefix.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return nil, errors.New("store: empty database URL")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("store: opening PostgreSQL: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, fmt.Errorf("store: opening SQLite: %w", err)
		}
		return s, nil
	}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// dedupeQuery works for both dialects.
const dedupeQuery = `
	DELETE FROM ownerships
	WHERE EXISTS (
		SELECT 1 FROM ownerships newer
		WHERE newer.app_name = ownerships.app_name
		AND newer.created_at > ownerships.created_at
	)`
