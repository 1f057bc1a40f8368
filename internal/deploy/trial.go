// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// CanDeployFreeTrial reports whether user may deploy a free trial now. If
// not, next is when the cooldown ends.
func (s *Service) CanDeployFreeTrial(ctx context.Context, user int64) (ok bool, next time.Time, err error) {
	last, found, err := s.store.FreeTrial(ctx, user)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("checking free trial: %w", err)
	}
	if !found {
		return true, time.Time{}, nil
	}
	next = last.Add(s.cfg.TrialCooldown)
	if s.now().Before(next) {
		return false, next, nil
	}
	return true, time.Time{}, nil
}

// reserveTrial marks a free-trial deployment of user as running and checks
// the cooldown. The returned function releases the reservation.
func (s *Service) reserveTrial(ctx context.Context, user int64) (release func(), err error) {
	s.mu.Lock()
	if s.deploying[user] {
		s.mu.Unlock()
		return nil, ErrTrialInProgress
	}
	s.deploying[user] = true
	s.mu.Unlock()

	release = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.deploying, user)
	}

	ok, next, err := s.CanDeployFreeTrial(ctx, user)
	if err != nil {
		release()
		return nil, err
	}
	if !ok {
		release()
		return nil, &CooldownError{Next: next}
	}
	return release, nil
}

// teardown holds the timers of a free-trial app.
type teardown struct {
	warn *time.Timer // nil if the warning was due before scheduling
	kill *time.Timer
	once sync.Once
}

func (td *teardown) stop() {
	td.once.Do(func() {
		if td.warn != nil {
			td.warn.Stop()
		}
		td.kill.Stop()
	})
}

// armTrial persists the teardown of a free-trial app and schedules it.
func (s *Service) armTrial(ctx context.Context, user, chatID int64, app string) {
	t := store.TrialApp{
		App:    app,
		UserID: user,
		ChatID: chatID,
		EndsAt: s.now().Add(s.cfg.TrialWindow),
	}
	if err := s.store.SaveTrialApp(ctx, t); err != nil {
		s.alertAdmin(ctx, "saving free-trial teardown of %s: %v", app, err)
	}
	s.scheduleTeardown(t)
}

// RestoreTrials schedules the teardowns saved in the store. Trials that ended
// while the service wasn't running are torn down right away.
func (s *Service) RestoreTrials(ctx context.Context) (int, error) {
	trials, err := s.store.ListTrialApps(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing free trials: %w", err)
	}
	for _, t := range trials {
		s.scheduleTeardown(t)
	}
	return len(trials), nil
}

// scheduleTeardown schedules a warning and the deletion of a free-trial app.
func (s *Service) scheduleTeardown(t store.TrialApp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.trials[t.App]; ok {
		old.stop()
	}

	left := max(t.EndsAt.Sub(s.now()), 0)
	td := &teardown{}
	if left > 0 {
		warnIn := max(left-s.cfg.TrialWarning, 0)
		notice := min(left, s.cfg.TrialWarning).Round(time.Second)
		td.warn = time.AfterFunc(warnIn, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s.notify(ctx, t.ChatID, fmt.Sprintf("⏳ The free trial of <b>%s</b> ends in %s. The app will be deleted.", telegram.Escape(t.App), notice), nil)
		})
	}
	td.kill = time.AfterFunc(left, func() {
		s.endTrial(t, td)
	})
	s.trials[t.App] = td
	s.logger.Info("free trial teardown scheduled", slog.String("app", t.App), slog.Duration("in", left))
}

// endTrial deletes a free-trial app.
func (s *Service) endTrial(t store.TrialApp, td *teardown) {
	s.mu.Lock()
	if s.trials[t.App] != td {
		// Cancelled or rescheduled.
		s.mu.Unlock()
		return
	}
	delete(s.trials, t.App)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	log := s.logger.With(slog.String("app", t.App), slog.Int64("user_id", t.UserID))

	if err := s.platform.DeleteApp(ctx, t.App); err != nil && !errors.Is(err, heroku.ErrNotFound) {
		s.alertAdmin(ctx, "deleting free-trial app %s: %v", t.App, err)
		return
	}
	if err := s.store.RemoveApp(ctx, t.App); err != nil {
		s.alertAdmin(ctx, "removing ownership of free-trial app %s: %v", t.App, err)
	}
	if err := s.store.RemoveTrialApp(ctx, t.App); err != nil {
		s.alertAdmin(ctx, "removing free-trial teardown of %s: %v", t.App, err)
	}
	log.Info("free trial ended, app deleted")
	s.notify(ctx, t.ChatID, "🧹 The free trial of <b>"+telegram.Escape(t.App)+"</b> has ended and the app was deleted.", nil)
}

// cancelTeardown cancels the pending teardown of app and reports whether
// there was one.
func (s *Service) cancelTeardown(ctx context.Context, app string) bool {
	if err := s.store.RemoveTrialApp(ctx, app); err != nil {
		s.logger.Error("removing free-trial teardown", slog.String("app", app), slog.Any("err", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.trials[app]
	if !ok {
		return false
	}
	td.stop()
	delete(s.trials, app)
	s.logger.Info("free trial teardown cancelled", slog.String("app", app))
	return true
}

// Trials returns the names of free-trial apps pending teardown, sorted.
func (s *Service) Trials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]string, 0, len(s.trials))
	for app := range s.trials {
		apps = append(apps, app)
	}
	slices.Sort(apps)
	return apps
}
