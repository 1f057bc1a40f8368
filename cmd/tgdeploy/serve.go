// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"go.astrophena.name/tgdeploy/internal/bot"
	"go.astrophena.name/tgdeploy/internal/cli"
	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/logger"
	"go.astrophena.name/tgdeploy/internal/reminder"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/systemd"
	"go.astrophena.name/tgdeploy/internal/telegram"
	"go.astrophena.name/tgdeploy/internal/web"

	"github.com/arl/statsviz"
)

const logLineLimit = 300

// server holds the components of the control panel.
type server struct {
	logger  *logger.Logger
	logs    logger.Streamer
	store   store.Store
	tg      *telegram.Client
	svc     *deploy.Service
	bot     *bot.Bot
	sweeper *reminder.Sweeper
	mux     *http.ServeMux
}

func (a *app) newServer(ctx context.Context) (*server, error) {
	if err := require(map[string]bool{
		"TG_TOKEN":       a.tgToken != "",
		"TG_OWNER":       a.tgOwner != 0,
		"CHANNEL_ID":     a.channelID != 0,
		"HEROKU_API_KEY": a.herokuKey != "",
		"DATABASE_URL":   a.dbURL != "",
	}); err != nil {
		return nil, err
	}

	s := &server{logs: logger.NewStreamer(logLineLimit)}
	s.logger = logger.New(io.MultiWriter(cli.GetEnv(ctx).Stderr, s.logs))
	log := s.logger.Logger

	st, err := store.Open(ctx, a.dbURL)
	if err != nil {
		return nil, err
	}
	s.store = st
	if n, err := st.DedupeOwners(ctx); err != nil {
		st.Close()
		return nil, err
	} else if n > 0 {
		log.Info("removed duplicate owners", slog.Int("count", n))
	}

	scrubber := a.scrubber()
	httpc := a.client(s.logger, scrubber)
	s.tg = telegram.New(telegram.Config{
		Token:      a.tgToken,
		HTTPClient: httpc,
		Scrubber:   scrubber,
		Logger:     log,
	})
	hk := heroku.New(heroku.Config{
		APIKey:     a.herokuKey,
		HTTPClient: httpc,
		Scrubber:   scrubber,
	})

	s.svc = deploy.New(deploy.Options{
		Platform: hk,
		Notifier: s.tg,
		Store:    st,
		AdminID:  a.tgOwner,
		Config: deploy.Config{
			SourceURL:    a.sourceURL,
			TrialWindow:  a.trialWindow,
			TrialWarning: a.trialWarning,
		},
		Logger: log,
	})
	s.bot = bot.New(bot.Options{
		Relay:     s.tg,
		Service:   s.svc,
		Store:     st,
		AdminID:   a.tgOwner,
		ChannelID: a.channelID,
		Secret:    a.tgSecret,
		Logger:    log,
	})
	s.sweeper = &reminder.Sweeper{
		Store:    st,
		Platform: hk,
		Cleaner:  s.svc,
		Notifier: s.tg,
		Logger:   log,
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("/telegram", s.bot)
	web.Health(s.mux).RegisterFunc("store", func(ctx context.Context) (status string, ok bool) {
		if err := st.Ping(ctx); err != nil {
			return err.Error(), false
		}
		return "ok", true
	})
	dbg := web.Debugger(s.mux)
	dbg.KVFunc("Pending waits", func() any { return s.svc.Waits().Len() })
	dbg.KVFunc("Conversations", func() any { return s.bot.States().Len() })
	dbg.KVFunc("Free trials", func() any { return len(s.svc.Trials()) })
	if err := statsviz.Register(s.mux); err != nil {
		s.close()
		return nil, err
	}
	dbg.Link("/debug/statsviz/", "Runtime metrics")
	dbg.HandleFunc("logs", "Logs", s.logs.ServeHTTP)
	dbg.HandleFunc("waits", "Pending waits (JSON)", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, s.svc.Waits().Pending())
	})
	return s, nil
}

// close waits for background work and releases the store.
func (s *server) close() {
	s.bot.Wait()
	s.svc.Close()
	s.store.Close()
}

func (a *app) serve(ctx context.Context) error {
	s, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	ctx = logger.Put(ctx, s.logger)
	log := s.logger.Logger

	me, err := s.tg.GetMe(ctx)
	if err != nil {
		return err
	}
	log.Info("authorized", slog.String("bot", me.Username))

	n, err := s.svc.RestoreTrials(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info("restored free-trial teardowns", slog.Int("count", n))
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	goTracked := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	goTracked(func() { s.sweeper.Run(ctx) })

	if a.host != "" {
		url := "https://" + strings.TrimSuffix(a.host, "/") + "/telegram"
		if err := s.tg.SetWebhook(ctx, url, a.tgSecret); err != nil {
			return err
		}
		log.Info("receiving updates with webhook", slog.String("url", url))
	} else {
		if err := s.tg.DeleteWebhook(ctx); err != nil {
			return err
		}
		log.Info("receiving updates with long polling")
		goTracked(func() {
			if err := s.bot.Poll(ctx); err != nil {
				log.Error("polling", slog.Any("err", err))
			}
		})
	}

	sd := systemd.New(cli.GetEnv(ctx).Getenv, log)
	goTracked(func() { sd.WatchdogLoop(ctx) })
	defer sd.Notify(systemd.Stopping)

	srv := &web.Server{
		Addr:       a.addr,
		Mux:        s.mux,
		Logger:     log,
		Debuggable: true,
		DebugAuth:  a.debugAuth,
		Ready: func() {
			sd.Notify(systemd.Ready)
			if a.ready != nil {
				a.ready()
			}
		},
	}
	return srv.ListenAndServe(ctx)
}

// debugAuth allows access to /debug/ with the debug token. Without the token,
// debug pages are only served when polling, that is, on a private host.
func (a *app) debugAuth(r *http.Request) bool {
	if a.debugToken == "" {
		return a.host == ""
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.debugToken)) == 1
}
