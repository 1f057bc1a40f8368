// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package deploy deploys bot applications to Heroku on behalf of users and
// manages them afterwards.
//
// A deployment creates the application, configures it, builds it, records
// its owner and then waits for the application to report that it connected.
// The connected and logged out reports arrive out of band, through the
// broadcast channel, and are delivered to the waiting deployment with
// [Service.HandleConnected] and [Service.HandleLogout].
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/rendezvous"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

var (
	// ErrInvalidName is returned for application names that are not at least
	// five lowercase letters, digits or hyphens.
	ErrInvalidName = errors.New("app name must be at least 5 characters: lowercase letters, digits and hyphens")
	// ErrShortSession is returned for session IDs shorter than ten characters.
	ErrShortSession = errors.New("session ID must be at least 10 characters")
	// ErrAppGone is returned when the application no longer exists on Heroku.
	// Its ownership records are removed when this is returned.
	ErrAppGone = errors.New("app no longer exists")
	// ErrTrialCooldown is matched by *CooldownError.
	ErrTrialCooldown = errors.New("free trial is not available yet")
	// ErrTrialInProgress is returned when the user's free trial is already
	// being deployed.
	ErrTrialInProgress = errors.New("your free trial is already being deployed")
	// ErrBuildFailed is returned when the build didn't succeed.
	ErrBuildFailed = errors.New("build failed")
	// ErrLoggedOut rejects a wait when the application reports a logout.
	ErrLoggedOut = errors.New("session logged out")
	// ErrNotOwner is returned when the user doesn't own the application.
	ErrNotOwner = errors.New("you don't own this app")
	// ErrUnknownVar is returned by SetVar for variables that can't be edited.
	ErrUnknownVar = errors.New("this variable can't be edited")
)

// CooldownError is returned when a user requests a free trial during the
// cooldown.
type CooldownError struct {
	// Next is when the user can deploy the next free trial.
	Next time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("free trial is not available until %s", e.Next.UTC().Format(time.RFC1123))
}

func (e *CooldownError) Is(target error) bool { return target == ErrTrialCooldown }

// Config var names set by the service.
const (
	VarSession         = "SESSION_ID"
	VarAppName         = "HEROKU_APP_NAME"
	VarLastLogoutAlert = "LAST_LOGOUT_ALERT"
)

// Platform manages applications. It's implemented by [*heroku.Client].
type Platform interface {
	CreateApp(ctx context.Context, name string) (heroku.App, error)
	GetApp(ctx context.Context, name string) (heroku.App, error)
	DeleteApp(ctx context.Context, name string) error
	InstallAddons(ctx context.Context, app string, plans ...string) error
	SetBuildpacks(ctx context.Context, app string, buildpacks ...string) error
	PatchConfig(ctx context.Context, app string, vars map[string]string) (map[string]string, error)
	UnsetConfig(ctx context.Context, app string, keys ...string) error
	Config(ctx context.Context, app string) (map[string]string, error)
	CreateBuild(ctx context.Context, app, sourceURL string) (heroku.Build, error)
	Build(ctx context.Context, app, id string) (heroku.Build, error)
	Dynos(ctx context.Context, app string) ([]heroku.Dyno, error)
	RestartDynos(ctx context.Context, app string) error
	Logs(ctx context.Context, app string, lines int) (string, error)
}

// Notifier sends messages to users. It's implemented by [*telegram.Client].
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error
	Delete(ctx context.Context, chatID, messageID int64) error
}

// Config contains the deployment settings. Zero fields take defaults.
type Config struct {
	// SourceURL is the tarball applications are built from.
	SourceURL string
	// Addons are the add-on plans installed on new applications.
	Addons []string
	// Buildpacks are set on new applications.
	Buildpacks []string
	// DefaultVars are config vars of new applications. User-supplied values
	// take precedence.
	DefaultVars map[string]string

	PollInterval time.Duration // between build status checks, 5s
	PollAttempts int           // build status checks before giving up, 20
	DeployWait   time.Duration // for the connected report of a new app, 120s
	UpdateWait   time.Duration // for the connected report after a session update, 180s

	TrialCooldown time.Duration // between free trials of one user, 14 days
	TrialWindow   time.Duration // lifetime of a free-trial app, 60m
	TrialWarning  time.Duration // warning lead time before teardown, 5m

	AnimationInterval time.Duration // between frames of the waiting message, 2s
	LogLines          int           // lines returned by Logs, 100
}

// Defaults.
const (
	DefaultSourceURL = "https://github.com/lyfe00011/levanter/tarball/main"
)

func (c Config) withDefaults() Config {
	if c.SourceURL == "" {
		c.SourceURL = DefaultSourceURL
	}
	if c.Addons == nil {
		c.Addons = []string{"heroku-postgresql:essential-0"}
	}
	if c.Buildpacks == nil {
		c.Buildpacks = []string{
			"heroku/nodejs",
			"https://github.com/jonathanong/heroku-buildpack-ffmpeg-latest",
		}
	}
	if c.DefaultVars == nil {
		c.DefaultVars = map[string]string{
			"PREFIX":                ".",
			"ALWAYS_ONLINE":         "false",
			"AUTO_STATUS_VIEW":      "no-dl",
			"DISABLE_START_MESSAGE": "false",
			"REJECT_CALL":           "false",
			"STICKER_PACKNAME":      "❤️,LyFE",
		}
	}
	setDefault(&c.PollInterval, 5*time.Second)
	if c.PollAttempts <= 0 {
		c.PollAttempts = 20
	}
	setDefault(&c.DeployWait, 120*time.Second)
	setDefault(&c.UpdateWait, 180*time.Second)
	setDefault(&c.TrialCooldown, 14*24*time.Hour)
	setDefault(&c.TrialWindow, 60*time.Minute)
	setDefault(&c.TrialWarning, 5*time.Minute)
	setDefault(&c.AnimationInterval, 2*time.Second)
	if c.LogLines <= 0 {
		c.LogLines = 100
	}
	return c
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

// Options configure a Service.
type Options struct {
	Platform Platform
	Notifier Notifier
	Store    store.Store
	// Waits is the registry of pending connected reports. If nil, a new one
	// is used.
	Waits  *rendezvous.Registry
	Config Config
	// AdminID is the operator, who may manage any application and receives
	// alerts about failures.
	AdminID int64
	Logger  *slog.Logger
	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

// Service deploys and manages applications.
type Service struct {
	platform Platform
	notifier Notifier
	store    store.Store
	waits    *rendezvous.Registry
	cfg      Config
	admin    int64
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	trials    map[string]*teardown
	deploying map[int64]bool // users with a free trial being deployed
	wg        sync.WaitGroup
}

// New returns a new Service.
func New(opts Options) *Service {
	s := &Service{
		platform:  opts.Platform,
		notifier:  opts.Notifier,
		store:     opts.Store,
		waits:     opts.Waits,
		cfg:       opts.Config.withDefaults(),
		admin:     opts.AdminID,
		logger:    opts.Logger,
		now:       opts.Now,
		trials:    make(map[string]*teardown),
		deploying: make(map[int64]bool),
	}
	if s.waits == nil {
		s.waits = new(rendezvous.Registry)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Waits returns the registry of pending connected reports.
func (s *Service) Waits() *rendezvous.Registry { return s.waits }

// Close stops pending free-trial timers and waits for running teardowns.
func (s *Service) Close() {
	s.mu.Lock()
	for app, td := range s.trials {
		td.stop()
		delete(s.trials, app)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

var nameRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateName checks an application name.
func ValidateName(app string) error {
	if len(app) < 5 || !nameRe.MatchString(app) {
		return ErrInvalidName
	}
	return nil
}

// ValidateSession checks a session ID.
func ValidateSession(session string) error {
	if len(session) < 10 {
		return ErrShortSession
	}
	return nil
}

// Validate checks an application name and a session ID.
func Validate(app, session string) error {
	return errors.Join(ValidateName(app), ValidateSession(session))
}

// authorize returns the ownership record of app if user owns it or is the
// operator.
func (s *Service) authorize(ctx context.Context, user int64, app string) (store.Ownership, error) {
	owner, err := s.store.FindOwner(ctx, app)
	if errors.Is(err, store.ErrNotFound) {
		return store.Ownership{}, ErrNotOwner
	}
	if err != nil {
		s.alertAdmin(ctx, "finding owner of %s: %v", app, err)
		return store.Ownership{}, fmt.Errorf("finding owner: %w", err)
	}
	if owner.UserID != user && user != s.admin {
		return store.Ownership{}, ErrNotOwner
	}
	return owner, nil
}

// alertAdmin notifies the operator about a failure that needs attention.
func (s *Service) alertAdmin(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Error("alerting operator", slog.String("error", msg))
	if s.admin == 0 || s.notifier == nil {
		return
	}
	if _, err := s.notifier.Send(ctx, s.admin, "🚨 "+telegram.Escape(msg), nil); err != nil {
		s.logger.Error("sending alert", slog.Any("err", err))
	}
}

// notify sends a message, logging failures.
func (s *Service) notify(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) {
	if _, err := s.notifier.Send(ctx, chatID, text, kb); err != nil {
		s.logger.Error("sending message", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
}
