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
	"time"

	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// CheckGone handles an error returned by the platform for app. If the error
// means that app doesn't exist anymore, it removes the ownership records of
// app, notifies its owner and returns an error matching ErrAppGone. Other
// errors are returned unchanged.
//
// Every operation that touches an existing application passes its errors
// through CheckGone.
func (s *Service) CheckGone(ctx context.Context, app string, err error) error {
	if !errors.Is(err, heroku.ErrNotFound) {
		return err
	}

	s.cancelTeardown(ctx, app)
	owner, ferr := s.store.FindOwner(ctx, app)
	if rerr := s.store.RemoveApp(ctx, app); rerr != nil {
		s.alertAdmin(ctx, "removing ownership of deleted app %s: %v", app, rerr)
	}
	s.logger.Warn("app is gone, ownership removed", slog.String("app", app))

	if ferr == nil {
		s.notify(ctx, owner.UserID, "🗑 <b>"+telegram.Escape(app)+"</b> no longer exists on Heroku and was removed from your apps.", nil)
	} else if !errors.Is(ferr, store.ErrNotFound) {
		s.logger.Error("finding owner of deleted app", slog.String("app", app), slog.Any("err", ferr))
	}
	return fmt.Errorf("%w: %s", ErrAppGone, app)
}

// Info describes an application.
type Info struct {
	App   heroku.App
	Owner store.Ownership
	Dynos []heroku.Dyno
	// LoggedOut is set when the app reported a logout and didn't connect
	// since.
	LoggedOut bool
	// LoggedOutAt is when the last logout alert was sent.
	LoggedOutAt time.Time
}

// Running reports whether any dyno is up.
func (i Info) Running() bool { return anyUp(i.Dynos) }

func anyUp(dynos []heroku.Dyno) bool {
	return slices.ContainsFunc(dynos, func(d heroku.Dyno) bool { return d.State == "up" })
}

// Info returns information about an application owned by user.
func (s *Service) Info(ctx context.Context, user int64, app string) (Info, error) {
	owner, err := s.authorize(ctx, user, app)
	if err != nil {
		return Info{}, err
	}
	info := Info{Owner: owner}
	if info.App, err = s.platform.GetApp(ctx, app); err != nil {
		return Info{}, s.CheckGone(ctx, app, err)
	}
	if info.Dynos, err = s.platform.Dynos(ctx, app); err != nil {
		return Info{}, s.CheckGone(ctx, app, err)
	}
	vars, err := s.platform.Config(ctx, app)
	if err != nil {
		return Info{}, s.CheckGone(ctx, app, err)
	}
	if v := vars[VarLastLogoutAlert]; v != "" {
		info.LoggedOut = true
		info.LoggedOutAt, _ = time.Parse(time.RFC3339, v)
	}
	return info, nil
}

// Restart restarts all dynos of an application owned by user.
func (s *Service) Restart(ctx context.Context, user int64, app string) error {
	if _, err := s.authorize(ctx, user, app); err != nil {
		return err
	}
	if err := s.platform.RestartDynos(ctx, app); err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("restarting: %w", err))
	}
	s.logger.Info("app restarted", slog.String("app", app), slog.Int64("user_id", user))
	return nil
}

// Logs returns recent logs of an application owned by user.
func (s *Service) Logs(ctx context.Context, user int64, app string) (string, error) {
	if _, err := s.authorize(ctx, user, app); err != nil {
		return "", err
	}
	logs, err := s.platform.Logs(ctx, app, s.cfg.LogLines)
	if err != nil {
		return "", s.CheckGone(ctx, app, fmt.Errorf("fetching logs: %w", err))
	}
	return logs, nil
}

// Redeploy rebuilds an application owned by user from the latest source,
// reporting progress in the message messageID of chatID (a new one if zero).
func (s *Service) Redeploy(ctx context.Context, user, chatID, messageID int64, app string) error {
	if _, err := s.authorize(ctx, user, app); err != nil {
		return err
	}
	st := &status{s: s, chatID: chatID, msgID: messageID}
	if err := s.build(ctx, app, st); err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("redeploying: %w", err))
	}
	st.set(ctx, "✅ <b>"+telegram.Escape(app)+"</b> was rebuilt from the latest source and is restarting.", telegram.Row(ManageButton(app)))
	s.logger.Info("app redeployed", slog.String("app", app), slog.Int64("user_id", user))
	return nil
}

// Delete deletes an application owned by user and its ownership records.
func (s *Service) Delete(ctx context.Context, user int64, app string) error {
	if _, err := s.authorize(ctx, user, app); err != nil {
		return err
	}
	if err := s.platform.DeleteApp(ctx, app); err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("deleting: %w", err))
	}
	s.cancelTeardown(ctx, app)
	if err := s.store.RemoveApp(ctx, app); err != nil {
		s.alertAdmin(ctx, "removing ownership of %s after deletion: %v", app, err)
		return fmt.Errorf("removing ownership: %w", err)
	}
	s.logger.Info("app deleted", slog.String("app", app), slog.Int64("user_id", user))
	return nil
}

// SetVar sets an editable config var of an application owned by user.
func (s *Service) SetVar(ctx context.Context, user int64, app, name, value string) error {
	v, ok := LookupVar(name)
	if !ok {
		return ErrUnknownVar
	}
	if err := v.Check(value); err != nil {
		return err
	}
	if _, err := s.authorize(ctx, user, app); err != nil {
		return err
	}
	if _, err := s.platform.PatchConfig(ctx, app, map[string]string{name: value}); err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("setting %s: %w", name, err))
	}
	s.logger.Info("config var set", slog.String("app", app), slog.String("var", name))
	return nil
}

// Vars returns the current values of editable config vars of an application
// owned by user. Unset variables are omitted.
func (s *Service) Vars(ctx context.Context, user int64, app string) (map[string]string, error) {
	if _, err := s.authorize(ctx, user, app); err != nil {
		return nil, err
	}
	all, err := s.platform.Config(ctx, app)
	if err != nil {
		return nil, s.CheckGone(ctx, app, fmt.Errorf("reading config vars: %w", err))
	}
	vars := make(map[string]string)
	for _, v := range EditableVars {
		if val, ok := all[v.Name]; ok {
			vars[v.Name] = val
		}
	}
	return vars, nil
}

// Assign makes user the owner of an existing application, replacing any
// previous owner.
//
// The previous records are removed before the new one is written, without a
// transaction: if writing fails, the application is left without an owner and
// Assign should be retried.
func (s *Service) Assign(ctx context.Context, app string, user int64) error {
	if err := ValidateName(app); err != nil {
		return err
	}
	if _, err := s.platform.GetApp(ctx, app); err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("looking up app: %w", err))
	}
	vars, err := s.platform.Config(ctx, app)
	if err != nil {
		return s.CheckGone(ctx, app, fmt.Errorf("reading config vars: %w", err))
	}

	if err := s.store.RemoveApp(ctx, app); err != nil {
		return fmt.Errorf("removing previous owner: %w", err)
	}
	if err := s.store.UpsertOwnership(ctx, store.Ownership{
		UserID:    user,
		App:       app,
		Session:   vars[VarSession],
		CreatedAt: s.now(),
	}); err != nil {
		s.alertAdmin(ctx, "%s is left without an owner, retry the assignment: %v", app, err)
		return fmt.Errorf("saving ownership: %w", err)
	}
	s.logger.Info("app assigned", slog.String("app", app), slog.Int64("user_id", user))
	return nil
}

// Unassign removes all ownership records of an application without deleting
// it.
func (s *Service) Unassign(ctx context.Context, app string) error {
	if _, err := s.store.FindOwner(ctx, app); err != nil {
		return err
	}
	s.cancelTeardown(ctx, app)
	if err := s.store.RemoveApp(ctx, app); err != nil {
		return err
	}
	s.logger.Info("app unassigned", slog.String("app", app))
	return nil
}
