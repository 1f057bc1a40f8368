// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package bot implements the Telegram control panel: commands, inline
// keyboard callbacks and the status lines posted to the broadcast channel.
//
// Updates of one user are handled one at a time. Deployments and session
// updates run in the background after the update that started them is
// handled, so a user can't start a second one until the first finishes.
package bot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/conv"
	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/syncx"
	"go.astrophena.name/tgdeploy/internal/telegram"
	"go.astrophena.name/tgdeploy/internal/web"
)

// Relay talks to Telegram. It's implemented by [*telegram.Client].
type Relay interface {
	deploy.Notifier
	AnswerCallback(ctx context.Context, id, text string) error
	Updates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// SecretHeader is the header carrying the webhook secret.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Options configure a Bot.
type Options struct {
	Relay   Relay
	Service *deploy.Service
	Store   store.Store
	// States holds the conversations. If nil, a new store is used.
	States *conv.Store
	// AdminID is the operator.
	AdminID int64
	// ChannelID is the broadcast channel with status lines. Posts in other
	// channels are ignored.
	ChannelID int64
	// Secret authenticates webhook requests. If empty, they are not
	// checked.
	Secret string
	Logger *slog.Logger
}

// Bot handles Telegram updates.
type Bot struct {
	relay   Relay
	svc     *deploy.Service
	store   store.Store
	states  *conv.Store
	admin   int64
	channel int64
	secret  string
	logger  *slog.Logger

	// busy holds the users with a deployment, session update or redeploy in
	// flight.
	busy *syncx.Protected[map[int64]bool]

	// pollTimeout is the long polling timeout.
	pollTimeout time.Duration
	// pollRetry is the delay after a failed poll.
	pollRetry time.Duration

	wg sync.WaitGroup
}

// New returns a new Bot.
func New(opts Options) *Bot {
	b := &Bot{
		relay:       opts.Relay,
		svc:         opts.Service,
		store:       opts.Store,
		states:      opts.States,
		admin:       opts.AdminID,
		channel:     opts.ChannelID,
		secret:      opts.Secret,
		logger:      opts.Logger,
		busy:        syncx.Protect(make(map[int64]bool)),
		pollTimeout: 30 * time.Second,
		pollRetry:   3 * time.Second,
	}
	if b.states == nil {
		b.states = conv.NewStore()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// States returns the conversation store.
func (b *Bot) States() *conv.Store { return b.states }

// Wait waits for updates and background operations in flight.
func (b *Bot) Wait() { b.wg.Wait() }

// goTracked runs f in the background, tracked by Wait.
func (b *Bot) goTracked(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

// runBusy runs work in the background, then finish with the conversation of
// user locked. The user is busy until finish returns. It must be called with
// the conversation of user locked.
func (b *Bot) runBusy(user int64, work, finish func()) {
	b.busy.Access(func(m map[int64]bool) { m[user] = true })
	b.goTracked(func() {
		work()
		unlock := b.states.Lock(user)
		defer unlock()
		b.busy.Access(func(m map[int64]bool) { delete(m, user) })
		finish()
	})
}

// isBusy reports whether user has an operation in flight.
func (b *Bot) isBusy(user int64) (busy bool) {
	b.busy.RAccess(func(m map[int64]bool) { busy = m[user] })
	return busy
}

// ServeHTTP handles webhook requests. The update is handled in the
// background after the response is written.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.RespondJSONError(w, r, web.ErrMethodNotAllowed)
		return
	}
	if b.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(b.secret)) != 1 {
		web.RespondJSONError(w, r, web.ErrUnauthorized)
		return
	}
	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	b.goTracked(func() { b.handle(ctx, u) })
	w.WriteHeader(http.StatusOK)
}

// Poll receives updates with long polling until ctx is done. The webhook
// must not be set.
func (b *Bot) Poll(ctx context.Context) error {
	var offset int64
	for {
		updates, err := b.relay.Updates(ctx, offset, b.pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Error("polling updates", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.pollRetry):
			}
			continue
		}
		for _, u := range updates {
			offset = max(offset, u.ID+1)
			b.goTracked(func() { b.handle(ctx, u) })
		}
	}
}

func (b *Bot) handle(ctx context.Context, u telegram.Update) {
	if err := b.HandleUpdate(ctx, u); err != nil {
		b.logger.Error("handling update", slog.Int64("update_id", u.ID), slog.Any("err", err))
	}
}

// HandleUpdate handles an update.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) error {
	switch {
	case u.ChannelPost != nil:
		return b.handleChannelPost(ctx, u.ChannelPost)
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		unlock := b.states.Lock(q.From.ID)
		defer unlock()
		return b.handleCallback(ctx, q)
	case u.Message != nil && u.Message.From != nil && u.Message.Chat.Type == "private":
		unlock := b.states.Lock(u.Message.From.ID)
		defer unlock()
		return b.handleMessage(ctx, u.Message)
	}
	return nil
}

func (b *Bot) isAdmin(user int64) bool { return b.admin != 0 && user == b.admin }

// reply sends a message, logging failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) int64 {
	id, err := b.relay.Send(ctx, chatID, text, kb)
	if err != nil {
		b.logger.Error("sending message", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
	return id
}

// show edits the message messageID, or sends a new message if it's zero or
// can't be edited.
func (b *Bot) show(ctx context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) int64 {
	if messageID != 0 {
		if err := b.relay.Edit(ctx, chatID, messageID, text, kb); err == nil {
			return messageID
		}
	}
	return b.reply(ctx, chatID, text, kb)
}

// describe returns user-facing text for an error of the step what.
func describe(what string, err error) string {
	var cerr *deploy.CooldownError
	switch {
	case errors.As(err, &cerr):
		return "⏳ You have used your free trial. The next one is available on " + cerr.Next.UTC().Format("2 Jan 2006 15:04 MST") + "."
	case errors.Is(err, deploy.ErrTrialInProgress):
		return "⏳ Your free trial is already being deployed."
	case errors.Is(err, deploy.ErrNotOwner):
		return "🚫 You don't own this app."
	case errors.Is(err, deploy.ErrAppGone):
		return "🗑 This app no longer exists."
	}
	return "❌ " + what + ": " + telegram.Escape(firstLine(err.Error()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
