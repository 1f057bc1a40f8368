// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// HandleLogout handles a report that app logged out. A pending wait for app
// is rejected, and the owner is asked for a new session ID. Reports about
// applications without an owner are only logged.
func (s *Service) HandleLogout(ctx context.Context, app string) error {
	log := s.logger.With(slog.String("app", app))
	if s.waits.Reject(app, ErrLoggedOut) {
		log.Info("pending wait rejected by logout")
	}

	owner, err := s.store.FindOwner(ctx, app)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("logout reported for an app without owner")
		return nil
	}
	if err != nil {
		s.alertAdmin(ctx, "finding owner of logged out app %s: %v", app, err)
		return err
	}

	if _, err := s.platform.PatchConfig(ctx, app, map[string]string{
		VarLastLogoutAlert: s.now().UTC().Format(time.RFC3339),
	}); err != nil {
		if err := s.CheckGone(ctx, app, err); errors.Is(err, ErrAppGone) {
			return nil
		}
		log.Error("saving logout alert time", slog.Any("err", err))
	}

	s.notify(ctx, owner.UserID,
		"⚠️ <b>"+telegram.Escape(app)+"</b> logged out: its session ID is no longer valid.\n\nSend a new session ID to bring it back online.",
		telegram.Row(UpdateSessionButton(app)),
	)
	return nil
}

// HandleConnected handles a report that app connected. A pending wait for
// app is resolved and a recorded logout alert is cleared. Reports about
// applications without an owner are ignored.
func (s *Service) HandleConnected(ctx context.Context, app string) error {
	log := s.logger.With(slog.String("app", app))
	if s.waits.Resolve(app) {
		log.Info("pending wait resolved")
	}

	if _, err := s.store.FindOwner(ctx, app); errors.Is(err, store.ErrNotFound) {
		log.Debug("connected reported for an app without owner")
		return nil
	} else if err != nil {
		return err
	}

	// Changing config vars restarts the app, so only touch them when there
	// is something to clear.
	vars, err := s.platform.Config(ctx, app)
	if err != nil {
		log.Error("reading config vars", slog.Any("err", err))
		return nil
	}
	if _, ok := vars[VarLastLogoutAlert]; !ok {
		return nil
	}
	if err := s.platform.UnsetConfig(ctx, app, VarLastLogoutAlert); err != nil {
		log.Error("clearing logout alert time", slog.Any("err", err))
	}
	return nil
}
