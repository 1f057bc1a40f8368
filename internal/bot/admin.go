// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tgdeploy/internal/conv"
	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/statusline"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// KeyUses are the use counts offered by /genkey.
var KeyUses = []int{1, 3, 5, 10}

func (b *Bot) handleAdminCommand(ctx context.Context, user, chat int64, cmd string, args []string) error {
	switch cmd {
	case "add":
		if len(args) == 0 {
			b.states.Set(user, conv.NewState(conv.StepAwaitingAppForAdd))
			b.reply(ctx, chat, "Send the app name and the user ID, like <code>mybot-01 123456789</code>.", nil)
			return nil
		}
		return b.assign(ctx, user, chat, args)
	case "remove":
		if len(args) == 0 {
			b.states.Set(user, conv.NewState(conv.StepAwaitingAppForRemoval))
			b.reply(ctx, chat, "Send the name of the app to unassign.", nil)
			return nil
		}
		return b.unassign(ctx, user, chat, args)
	case "allapps":
		return b.listAllApps(ctx, chat)
	case "genkey":
		var row []telegram.Button
		for _, n := range KeyUses {
			row = append(row, button(strconv.Itoa(n), "genkey", strconv.Itoa(n)))
		}
		b.reply(ctx, chat, "🔑 How many deployments should the key allow?", telegram.Keyboard{row})
	case "keys":
		return b.listKeys(ctx, chat)
	}
	return nil
}

func (b *Bot) assign(ctx context.Context, user, chat int64, args []string) error {
	if len(args) != 2 {
		b.reply(ctx, chat, "Usage: <code>/add app user_id</code>", nil)
		return nil
	}
	app := args[0]
	to, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || to <= 0 {
		b.reply(ctx, chat, "❌ Invalid user ID: <code>"+telegram.Escape(args[1])+"</code>", nil)
		return nil
	}
	b.states.Delete(user)

	if err := b.svc.Assign(ctx, app, to); err != nil {
		b.reply(ctx, chat, describe("Assigning "+app, err), nil)
		return nil
	}
	b.reply(ctx, chat, fmt.Sprintf("✅ <b>%s</b> is assigned to <code>%d</code>.", telegram.Escape(app), to), nil)
	b.reply(ctx, to, "📱 The app <b>"+telegram.Escape(app)+"</b> was assigned to you.", telegram.Row(deploy.ManageButton(app)))
	return nil
}

func (b *Bot) unassign(ctx context.Context, user, chat int64, args []string) error {
	if len(args) != 1 {
		b.reply(ctx, chat, "Usage: <code>/remove app</code>", nil)
		return nil
	}
	app := args[0]
	b.states.Delete(user)

	err := b.svc.Unassign(ctx, app)
	if errors.Is(err, store.ErrNotFound) {
		b.reply(ctx, chat, "❌ <b>"+telegram.Escape(app)+"</b> isn't assigned to anyone.", nil)
		return nil
	}
	if err != nil {
		b.reply(ctx, chat, describe("Unassigning "+app, err), nil)
		return err
	}
	b.reply(ctx, chat, "✅ <b>"+telegram.Escape(app)+"</b> is unassigned. The app itself wasn't deleted.", nil)
	return nil
}

func (b *Bot) listAllApps(ctx context.Context, chat int64) error {
	all, err := b.store.ListAll(ctx)
	if err != nil {
		b.reply(ctx, chat, describe("Listing apps", err), nil)
		return err
	}
	if len(all) == 0 {
		b.reply(ctx, chat, "No apps are deployed.", nil)
		return nil
	}
	trials := b.svc.Trials()
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>%d apps</b>\n", len(all))
	for _, o := range all {
		fmt.Fprintf(&sb, "\n<code>%s</code> · <code>%d</code> · %s", telegram.Escape(o.App), o.UserID, o.CreatedAt.UTC().Format(time.DateOnly))
		if _, ok := slices.BinarySearch(trials, o.App); ok {
			sb.WriteString(" · trial")
		}
	}
	b.reply(ctx, chat, sb.String(), nil)
	return nil
}

func (b *Bot) listKeys(ctx context.Context, chat int64) error {
	keys, err := b.store.ListDeployKeys(ctx)
	if err != nil {
		b.reply(ctx, chat, describe("Listing keys", err), nil)
		return err
	}
	if len(keys) == 0 {
		b.reply(ctx, chat, "No deploy keys. Create one with /genkey.", nil)
		return nil
	}
	var sb strings.Builder
	sb.WriteString("🔑 <b>Deploy keys</b>\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n<code>%s</code> · %d left · %s", k.Key, k.UsesLeft, k.CreatedAt.UTC().Format(time.DateOnly))
	}
	b.reply(ctx, chat, sb.String(), nil)
	return nil
}

func (b *Bot) generateKey(ctx context.Context, c *callbackCtx) error {
	uses, err := strconv.Atoi(c.cb.Arg(0))
	if err != nil || !slices.Contains(KeyUses, uses) {
		c.toast = "Unknown use count."
		return nil
	}
	k := store.DeployKey{
		Key:       newKey(),
		UsesLeft:  uses,
		CreatedBy: c.user,
		CreatedAt: time.Now(),
	}
	if err := b.store.CreateDeployKey(ctx, k); err != nil {
		b.show(ctx, c.chat, c.msgID, describe("Creating the key", err), nil)
		return err
	}
	b.logger.Info("deploy key created", slog.Int("uses", uses))
	b.show(ctx, c.chat, c.msgID, fmt.Sprintf("🔑 <code>%s</code>\n\nThe key allows %d deployments.", k.Key, uses), nil)
	return nil
}

// newKey returns a random deploy key: eight uppercase letters and digits.
func newKey() string { return rand.Text()[:8] }

func (b *Bot) handleChannelPost(ctx context.Context, post *telegram.Message) error {
	if b.channel == 0 || post.Chat.ID != b.channel {
		return nil
	}
	ev := statusline.Parse(cmp.Or(post.Text, post.Caption))
	switch ev.Kind {
	case statusline.Logout:
		b.logger.Info("logout reported", slog.String("app", ev.App))
		return b.svc.HandleLogout(ctx, ev.App)
	case statusline.Connected:
		b.logger.Info("connected reported", slog.String("app", ev.App))
		return b.svc.HandleConnected(ctx, ev.App)
	}
	return nil
}
