// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package reminder periodically reminds owners of logged out applications to
// provide a new session ID.
package reminder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/syncx"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// Platform reads and updates application state.
type Platform interface {
	Config(ctx context.Context, app string) (map[string]string, error)
	Dynos(ctx context.Context, app string) ([]heroku.Dyno, error)
	PatchConfig(ctx context.Context, app string, vars map[string]string) (map[string]string, error)
}

// Cleaner removes applications that no longer exist. It's implemented by
// [*deploy.Service].
type Cleaner interface {
	CheckGone(ctx context.Context, app string, err error) error
}

// Notifier sends messages.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error)
}

// Sweeper sends reminders. Zero fields other than the collaborators take
// defaults.
type Sweeper struct {
	Store    store.Store
	Platform Platform
	Cleaner  Cleaner
	Notifier Notifier

	// Interval is the time between reminders about one app, 24h.
	Interval time.Duration
	// Period is the time between sweeps, 1h.
	Period time.Duration
	// Concurrency is how many apps are checked at once, 4.
	Concurrency int

	Logger *slog.Logger
	Now    func() time.Time
}

// Stats describe a sweep.
type Stats struct {
	Checked  int
	Reminded int
	Gone     int
	Failed   int
}

func (s *Sweeper) interval() time.Duration { return cmp.Or(s.Interval, 24*time.Hour) }
func (s *Sweeper) period() time.Duration   { return cmp.Or(s.Period, time.Hour) }

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Run sweeps every Period until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		stats, err := s.Sweep(ctx)
		if err != nil {
			s.logger().Error("reminder sweep failed", slog.Any("err", err))
			continue
		}
		s.logger().Info("reminder sweep finished",
			slog.Int("checked", stats.Checked),
			slog.Int("reminded", stats.Reminded),
			slog.Int("gone", stats.Gone),
			slog.Int("failed", stats.Failed),
		)
	}
}

// Sweep checks every owned application once.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	owned, err := s.Store.ListAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing apps: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = Stats{Checked: len(owned)}
		lwg   = syncx.NewLimitedWaitGroup(cmp.Or(s.Concurrency, 4))
	)
	for _, o := range owned {
		lwg.Add(1)
		go func() {
			defer lwg.Done()
			outcome := s.check(ctx, o)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case reminded:
				stats.Reminded++
			case gone:
				stats.Gone++
			case failed:
				stats.Failed++
			}
		}()
	}
	lwg.Wait()
	return stats, nil
}

type outcome int

const (
	skipped outcome = iota
	reminded
	gone
	failed
)

func (s *Sweeper) check(ctx context.Context, o store.Ownership) outcome {
	log := s.logger().With(slog.String("app", o.App), slog.Int64("user_id", o.UserID))
	fail := func(what string, err error) outcome {
		if err := s.Cleaner.CheckGone(ctx, o.App, err); errors.Is(err, deploy.ErrAppGone) {
			return gone
		}
		log.Error(what, slog.Any("err", err))
		return failed
	}

	vars, err := s.Platform.Config(ctx, o.App)
	if err != nil {
		return fail("reading config vars", err)
	}
	alert, ok := vars[deploy.VarLastLogoutAlert]
	if !ok || alert == "" {
		return skipped
	}
	now := s.now()
	// An unparsable time is treated as overdue.
	if last, err := time.Parse(time.RFC3339, alert); err == nil && now.Sub(last) <= s.interval() {
		return skipped
	}

	dynos, err := s.Platform.Dynos(ctx, o.App)
	if err != nil {
		return fail("listing dynos", err)
	}
	if slices.ContainsFunc(dynos, func(d heroku.Dyno) bool { return d.State == "up" }) {
		return skipped
	}

	if _, err := s.Notifier.Send(ctx, o.UserID,
		"🔔 <b>"+telegram.Escape(o.App)+"</b> is still logged out and isn't running.\n\nSend a new session ID to bring it back online.",
		telegram.Row(deploy.UpdateSessionButton(o.App)),
	); err != nil {
		log.Error("sending reminder", slog.Any("err", err))
		return failed
	}
	if _, err := s.Platform.PatchConfig(ctx, o.App, map[string]string{
		deploy.VarLastLogoutAlert: now.UTC().Format(time.RFC3339),
	}); err != nil {
		return fail("saving reminder time", err)
	}
	log.Info("logout reminder sent")
	return reminded
}
