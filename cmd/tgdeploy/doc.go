// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Tgdeploy is a Telegram bot that deploys the Levanter WhatsApp bot to Heroku
and helps its users manage the deployed apps.

# Usage

	$ tgdeploy [flags...] serve
	$ tgdeploy [flags...] migrate
	$ tgdeploy [flags...] supervise -- <command...>

The serve command runs the control panel. It receives Telegram updates with a
webhook at /telegram when HOST is set, and with long polling otherwise. It
also serves /health and debug pages at /debug/, and once an hour reminds the
owners of logged out apps to update their session.

The migrate command applies database migrations and exits. Serve applies
them too when it starts.

The supervise command runs the WhatsApp bot process, restarts it when it
exits and posts its status lines to the broadcast channel:

	✅ [name] connected.
	User [name] has logged out.

The control panel reads these lines to learn when a deployed app connects or
loses its session. Telegram doesn't deliver a bot's own channel posts to it,
so supervise must run with the token of a separate relay bot that is an
administrator of the channel, not the token used by serve.

# Environment Variables

  - TG_TOKEN: Telegram bot token. For supervise, the token of the relay bot.
  - TG_OWNER: Telegram user ID of the operator, who can use admin commands
    and receives failure alerts.
  - TG_SECRET: Secret token checked on webhook requests.
  - CHANNEL_ID: ID of the broadcast channel with status lines.
  - HEROKU_API_KEY: Heroku Platform API key.
  - DATABASE_URL: postgres:// URL, or the path of a SQLite database, optionally
    prefixed with "sqlite:".
  - HOST: Public host name for the webhook.
  - ADDR: Address to listen on. Defaults to localhost:3000.
  - SOURCE_URL: Tarball deployed apps are built from.
  - TRIAL_WINDOW: Lifetime of free-trial apps. Defaults to 60m.
  - TRIAL_WARNING: How long before teardown the trial owner is warned.
    Defaults to 5m.
  - DEBUG_TOKEN: Bearer token that protects /debug/. Without it, debug pages
    are only available in long polling mode.
  - APP_NAME: Name of the supervised app.
  - RESTART_DELAY: Delay before restarting the supervised app. Defaults to 5s.
  - VERBOSE: Set to "true" to log debug messages and outgoing HTTP requests,
    same as the -verbose flag.

Flags take precedence over environment variables.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/tgdeploy/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
