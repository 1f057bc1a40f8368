// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tgdeploy/internal/cli"
	"go.astrophena.name/tgdeploy/internal/httplogger"
	"go.astrophena.name/tgdeploy/internal/logger"
	"go.astrophena.name/tgdeploy/internal/store"
)

func main() { cli.Main(new(app)) }

type app struct {
	// configuration, read-only after Run starts
	addr         string
	appName      string
	channelID    int64
	dbURL        string
	debugToken   string
	herokuKey    string
	host         string
	maxCrashes   int
	restartDelay time.Duration
	sourceURL    string
	tgOwner      int64
	tgSecret     string
	tgToken      string
	trialWarning time.Duration
	trialWindow  time.Duration
	verbose      bool

	// for tests
	httpc *http.Client
	ready func() // see web.Server.Ready
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.addr, "addr", "", "Listen on `host:port`.")
	fs.StringVar(&a.appName, "name", "", "Application `name` used in status lines (supervise).")
	fs.Int64Var(&a.channelID, "channel", 0, "Broadcast channel `ID`.")
	fs.StringVar(&a.dbURL, "db", "", "Database `URL`: postgres:// or a SQLite path.")
	fs.StringVar(&a.host, "host", "", "Public `host` for the webhook. Without it, updates are polled.")
	fs.IntVar(&a.maxCrashes, "max-crashes", 0, "Give up after `n` consecutive crashes (supervise).")
	fs.DurationVar(&a.restartDelay, "restart-delay", 0, "Delay before a restart (supervise).")
	fs.StringVar(&a.sourceURL, "source", "", "Tarball `URL` applications are built from.")
	fs.Int64Var(&a.tgOwner, "owner", 0, "Operator Telegram user `ID`.")
	fs.DurationVar(&a.trialWindow, "trial-window", 0, "Lifetime of a free-trial app.")
	fs.DurationVar(&a.trialWarning, "trial-warning", 0, "Lead time of the free-trial teardown warning.")
	fs.BoolVar(&a.verbose, "verbose", false, "Log debug messages and outgoing HTTP requests.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	if len(env.Args) == 0 {
		return fmt.Errorf("%w: a command is required: serve, migrate or supervise", cli.ErrInvalidArgs)
	}
	if err := a.loadConfig(env.Getenv); err != nil {
		return err
	}

	cmd, args := env.Args[0], env.Args[1:]
	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "migrate":
		return a.migrate(ctx)
	case "supervise":
		return a.supervise(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q", cli.ErrInvalidArgs, cmd)
}

// loadConfig fills the settings not given by flags from the environment.
func (a *app) loadConfig(getenv func(string) string) error {
	var errs []error
	intVar := func(s string) int64 {
		if s == "" {
			return 0
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %q is not a number", cli.ErrInvalidArgs, s))
		}
		return i
	}
	durationVar := func(s string) time.Duration {
		if s == "" {
			return 0
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %q is not a positive duration", cli.ErrInvalidArgs, s))
		}
		return d
	}

	a.addr = cmp.Or(a.addr, getenv("ADDR"), "localhost:3000")
	a.appName = cmp.Or(a.appName, getenv("APP_NAME"))
	a.channelID = cmp.Or(a.channelID, intVar(getenv("CHANNEL_ID")))
	a.dbURL = cmp.Or(a.dbURL, getenv("DATABASE_URL"))
	a.debugToken = cmp.Or(a.debugToken, getenv("DEBUG_TOKEN"))
	a.herokuKey = cmp.Or(a.herokuKey, getenv("HEROKU_API_KEY"))
	a.host = cmp.Or(a.host, getenv("HOST"))
	a.sourceURL = cmp.Or(a.sourceURL, getenv("SOURCE_URL"))
	a.tgOwner = cmp.Or(a.tgOwner, intVar(getenv("TG_OWNER")))
	a.tgSecret = cmp.Or(a.tgSecret, getenv("TG_SECRET"))
	a.tgToken = cmp.Or(a.tgToken, getenv("TG_TOKEN"))
	a.trialWarning = cmp.Or(a.trialWarning, durationVar(getenv("TRIAL_WARNING")))
	a.trialWindow = cmp.Or(a.trialWindow, durationVar(getenv("TRIAL_WINDOW")))
	a.restartDelay = cmp.Or(a.restartDelay, durationVar(getenv("RESTART_DELAY")))
	a.verbose = a.verbose || getenv("VERBOSE") == "true"

	if a.trialWindow > 0 && a.trialWarning >= a.trialWindow {
		errs = append(errs, fmt.Errorf("%w: trial warning must be shorter than the trial window", cli.ErrInvalidArgs))
	}
	return errors.Join(errs...)
}

// require checks that the named settings are present.
func require(settings map[string]bool) error {
	var missing []string
	for name, ok := range settings {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("%w: missing %s", cli.ErrInvalidArgs, strings.Join(missing, ", "))
}

// scrubber removes the secrets from errors.
func (a *app) scrubber() *strings.Replacer {
	var pairs []string
	for _, s := range []string{a.tgToken, a.herokuKey, a.tgSecret, a.debugToken} {
		if s != "" {
			pairs = append(pairs, s, "[EXPUNGED]")
		}
	}
	return strings.NewReplacer(pairs...)
}

// client returns the HTTP client for API requests. In verbose mode, requests
// are logged and l is switched to the debug level.
func (a *app) client(l *logger.Logger, scrubber *strings.Replacer) *http.Client {
	httpc := a.httpc
	if httpc == nil {
		httpc = &http.Client{Timeout: time.Minute}
	}
	if !a.verbose {
		return httpc
	}
	l.Level.Set(slog.LevelDebug)
	c := *httpc
	c.Transport = httplogger.New(httpc.Transport, l.Logger, scrubber)
	return &c
}

func (a *app) migrate(ctx context.Context) error {
	if err := require(map[string]bool{"DATABASE_URL": a.dbURL != ""}); err != nil {
		return err
	}
	// Opening the store applies pending migrations.
	st, err := store.Open(ctx, a.dbURL)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Get(ctx).Info("database is up to date")
	return nil
}
