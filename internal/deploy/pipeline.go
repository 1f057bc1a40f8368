// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.astrophena.name/tgdeploy/internal/conv"
	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/rendezvous"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// Result is the outcome of waiting for an application to connect.
type Result int

// Results.
const (
	Connected Result = iota + 1
	LoggedOut
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Connected:
		return "connected"
	case LoggedOut:
		return "logged out"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Request is a deployment request.
type Request struct {
	UserID  int64
	ChatID  int64
	App     string
	Session string
	// Vars override the default config vars.
	Vars map[string]string
	// Trial deploys a free-trial application.
	Trial bool
	// MessageID is the message edited with progress. If zero, a new message
	// is sent.
	MessageID int64
}

// UpdateSessionButton returns the button that starts a session update.
func UpdateSessionButton(app string) telegram.Button {
	return telegram.Button{Text: "🔑 Update session", Data: conv.NewCallback("update_session", app).String()}
}

// ManageButton returns the button that opens the management menu of app.
func ManageButton(app string) telegram.Button {
	return telegram.Button{Text: "⚙️ Manage " + app, Data: conv.NewCallback("select_app", app).String()}
}

// Deploy deploys a new application. Errors returned before the build finishes
// leave no ownership record; once the build succeeds the application is
// recorded as owned by the user whatever the Result is.
func (s *Service) Deploy(ctx context.Context, req Request) (Result, error) {
	if err := Validate(req.App, req.Session); err != nil {
		return 0, err
	}
	if req.Trial {
		release, err := s.reserveTrial(ctx, req.UserID)
		if err != nil {
			return 0, err
		}
		defer release()
	}

	log := s.logger.With(slog.String("app", req.App), slog.Int64("user_id", req.UserID), slog.Bool("trial", req.Trial))
	st := &status{s: s, chatID: req.ChatID, msgID: req.MessageID}
	app := telegram.Escape(req.App)

	st.set(ctx, "🚀 Creating <b>"+app+"</b>...", nil)
	if _, err := s.platform.CreateApp(ctx, req.App); err != nil {
		return 0, fmt.Errorf("creating app: %w", err)
	}
	log.Info("app created")

	// Reports can arrive as soon as the build is released, so the wait
	// is registered before the build starts.
	animCtx, stopAnim := context.WithCancel(ctx)
	wait, err := s.waits.Register(req.App, stopAnim)
	if err != nil {
		stopAnim()
		s.abandon(ctx, req.App, log)
		return 0, fmt.Errorf("waiting for app: %w", err)
	}

	if err := s.provision(ctx, req, st); err != nil {
		wait.Cancel()
		s.abandon(ctx, req.App, log)
		return 0, err
	}
	log.Info("build succeeded")

	if err := s.store.UpsertOwnership(ctx, store.Ownership{
		UserID:    req.UserID,
		App:       req.App,
		Session:   req.Session,
		CreatedAt: s.now(),
	}); err != nil {
		wait.Cancel()
		s.alertAdmin(ctx, "saving ownership of %s for %d: %v", req.App, req.UserID, err)
		return 0, fmt.Errorf("saving ownership: %w", err)
	}
	if req.Trial {
		if err := s.store.RecordFreeTrial(ctx, req.UserID, s.now()); err != nil {
			s.alertAdmin(ctx, "recording free trial of %d: %v", req.UserID, err)
		}
		s.armTrial(ctx, req.UserID, req.ChatID, req.App)
	}

	res, err := s.await(ctx, wait, animCtx, st, "Waiting for <b>"+app+"</b> to connect", s.cfg.DeployWait)
	if err != nil {
		return 0, err
	}
	log.Info("deployment finished", slog.String("result", res.String()))

	switch res {
	case Connected:
		st.set(ctx, "✅ <b>"+app+"</b> is deployed and connected!"+s.trialNote(req), telegram.Row(ManageButton(req.App)))
	case LoggedOut:
		st.set(ctx, "⚠️ <b>"+app+"</b> was deployed, but the session ID is invalid: the bot logged out.\n\nSend a new session ID to bring it online."+s.trialNote(req), telegram.Row(UpdateSessionButton(req.App)))
	case TimedOut:
		st.set(ctx, "⌛ <b>"+app+"</b> was deployed, but didn't connect in time.\n\nIf the session ID has expired, send a new one."+s.trialNote(req), telegram.Row(UpdateSessionButton(req.App), ManageButton(req.App)))
	}
	return res, nil
}

func (s *Service) trialNote(req Request) string {
	if !req.Trial {
		return ""
	}
	return fmt.Sprintf("\n\nThis is a free trial: the app will be deleted in %s.", s.cfg.TrialWindow)
}

// provision configures the created application and builds it.
func (s *Service) provision(ctx context.Context, req Request, st *status) error {
	st.set(ctx, "⚙️ Configuring <b>"+telegram.Escape(req.App)+"</b>...", nil)
	if err := s.platform.InstallAddons(ctx, req.App, s.cfg.Addons...); err != nil {
		return fmt.Errorf("installing add-ons: %w", err)
	}
	if err := s.platform.SetBuildpacks(ctx, req.App, s.cfg.Buildpacks...); err != nil {
		return fmt.Errorf("setting buildpacks: %w", err)
	}
	if _, err := s.platform.PatchConfig(ctx, req.App, s.configVars(req)); err != nil {
		return fmt.Errorf("setting config vars: %w", err)
	}
	return s.build(ctx, req.App, st)
}

// configVars merges the default config vars with the request.
func (s *Service) configVars(req Request) map[string]string {
	vars := maps.Clone(s.cfg.DefaultVars)
	if vars == nil {
		vars = make(map[string]string)
	}
	maps.Copy(vars, req.Vars)
	vars[VarSession] = req.Session
	vars[VarAppName] = req.App
	return vars
}

// build builds app from the source and polls until the build finishes.
func (s *Service) build(ctx context.Context, app string, st *status) error {
	b, err := s.platform.CreateBuild(ctx, app, s.cfg.SourceURL)
	if err != nil {
		return fmt.Errorf("starting build: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 1; attempt <= s.cfg.PollAttempts; attempt++ {
		st.set(ctx, fmt.Sprintf("🔨 Building <b>%s</b> (check %d of %d)...", telegram.Escape(app), attempt, s.cfg.PollAttempts), nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		b, err = s.platform.Build(ctx, app, b.ID)
		if err != nil {
			return fmt.Errorf("%w: checking build status: %w", ErrBuildFailed, err)
		}
		switch b.Status {
		case heroku.BuildSucceeded:
			return nil
		case heroku.BuildPending:
		default:
			return fmt.Errorf("%w: build finished with status %q", ErrBuildFailed, b.Status)
		}
	}
	return fmt.Errorf("%w: build didn't finish after %d checks", ErrBuildFailed, s.cfg.PollAttempts)
}

// abandon deletes an application whose deployment failed before it got an
// owner.
func (s *Service) abandon(ctx context.Context, app string, log *slog.Logger) {
	// The deployment ctx may be done already.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.platform.DeleteApp(ctx, app); err != nil && !errors.Is(err, heroku.ErrNotFound) {
		log.Error("deleting abandoned app", slog.Any("err", err))
	}
}

// await animates the status message while waiting for w.
func (s *Service) await(ctx context.Context, w *rendezvous.Wait, animCtx context.Context, st *status, what string, timeout time.Duration) (Result, error) {
	animDone := make(chan struct{})
	go func() {
		defer close(animDone)
		st.animate(animCtx, what, s.cfg.AnimationInterval)
	}()

	err := w.Wait(ctx, timeout)
	<-animDone

	switch {
	case err == nil:
		return Connected, nil
	case errors.Is(err, ErrLoggedOut):
		return LoggedOut, nil
	case errors.Is(err, rendezvous.ErrTimeout):
		return TimedOut, nil
	default:
		return 0, err
	}
}

// UpdateRequest is a session update request.
type UpdateRequest struct {
	UserID    int64
	ChatID    int64
	App       string
	Session   string
	MessageID int64
}

// UpdateSession replaces the session ID of an application and waits for it
// to connect.
func (s *Service) UpdateSession(ctx context.Context, req UpdateRequest) (Result, error) {
	if err := ValidateSession(req.Session); err != nil {
		return 0, err
	}
	owner, err := s.authorize(ctx, req.UserID, req.App)
	if err != nil {
		return 0, err
	}

	animCtx, stopAnim := context.WithCancel(ctx)
	wait, err := s.waits.Register(req.App, stopAnim)
	if err != nil {
		stopAnim()
		return 0, fmt.Errorf("waiting for app: %w", err)
	}

	st := &status{s: s, chatID: req.ChatID, msgID: req.MessageID}
	app := telegram.Escape(req.App)
	st.set(ctx, "🔑 Updating session of <b>"+app+"</b>...", nil)

	// Changing config vars restarts the app.
	if _, err := s.platform.PatchConfig(ctx, req.App, map[string]string{VarSession: req.Session}); err != nil {
		wait.Cancel()
		return 0, s.CheckGone(ctx, req.App, fmt.Errorf("updating session: %w", err))
	}
	if err := s.store.UpsertOwnership(ctx, store.Ownership{
		UserID:    owner.UserID,
		App:       req.App,
		Session:   req.Session,
		CreatedAt: s.now(),
	}); err != nil {
		s.alertAdmin(ctx, "saving session of %s: %v", req.App, err)
	}

	res, err := s.await(ctx, wait, animCtx, st, "Waiting for <b>"+app+"</b> to reconnect", s.cfg.UpdateWait)
	if err != nil {
		return 0, err
	}
	s.logger.Info("session updated", slog.String("app", req.App), slog.String("result", res.String()))

	switch res {
	case Connected:
		st.set(ctx, "✅ <b>"+app+"</b> is connected with the new session.", telegram.Row(ManageButton(req.App)))
	case LoggedOut:
		st.set(ctx, "⚠️ The new session of <b>"+app+"</b> is invalid too: the bot logged out.", telegram.Row(UpdateSessionButton(req.App)))
	case TimedOut:
		st.set(ctx, "⌛ <b>"+app+"</b> didn't reconnect in time. Check its logs or try another session ID.", telegram.Row(UpdateSessionButton(req.App), ManageButton(req.App)))
	}
	return res, nil
}

// status is a message edited in place to report progress.
type status struct {
	s      *Service
	chatID int64
	msgID  int64
	last   string
}

func (st *status) set(ctx context.Context, text string, kb telegram.Keyboard) {
	if text == st.last && kb == nil {
		return
	}
	st.last = text
	if st.msgID == 0 {
		id, err := st.s.notifier.Send(ctx, st.chatID, text, kb)
		if err != nil {
			st.s.logger.Error("sending status", slog.Any("err", err))
			return
		}
		st.msgID = id
		return
	}
	if err := st.s.notifier.Edit(ctx, st.chatID, st.msgID, text, kb); err != nil {
		st.s.logger.Error("editing status", slog.Any("err", err))
	}
}

var frames = []string{"⏳", "⌛"}

// animate edits the status message every interval until ctx is done.
func (st *status) animate(ctx context.Context, what string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for frame := 0; ctx.Err() == nil; frame++ {
		dots := strings.Repeat(".", frame%3+1)
		st.set(ctx, frames[frame%len(frames)]+" "+what+dots, nil)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
