// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"fmt"

	"go.astrophena.name/tgdeploy/internal/cli"
	"go.astrophena.name/tgdeploy/internal/logger"
	"go.astrophena.name/tgdeploy/internal/supervisor"
	"go.astrophena.name/tgdeploy/internal/systemd"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

func (a *app) supervise(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if err := require(map[string]bool{
		"TG_TOKEN":   a.tgToken != "",
		"CHANNEL_ID": a.channelID != 0,
		"APP_NAME":   a.appName != "",
	}); err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: the command to supervise is required", cli.ErrInvalidArgs)
	}

	env := cli.GetEnv(ctx)
	l := logger.Get(ctx)
	log := l.Logger
	scrubber := a.scrubber()
	tg := telegram.New(telegram.Config{
		Token:      a.tgToken,
		HTTPClient: a.client(l, scrubber),
		Scrubber:   scrubber,
		Logger:     log,
	})
	s, err := supervisor.New(supervisor.Config{
		Name:         a.appName,
		Command:      args,
		Poster:       tg,
		ChannelID:    a.channelID,
		AlertID:      a.tgOwner,
		Output:       env.Stdout,
		RestartDelay: a.restartDelay,
		MaxCrashes:   a.maxCrashes,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
	}

	sd := systemd.New(env.Getenv, log)
	sd.Notify(systemd.Ready)
	defer sd.Notify(systemd.Stopping)
	return s.Run(ctx)
}
