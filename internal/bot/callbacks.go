// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgdeploy/internal/conv"
	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// reselect is shown when a button doesn't match the conversation.
const reselect = "This button is outdated. Please re-select the app."

// callbackCtx is a pressed button.
type callbackCtx struct {
	user  int64
	chat  int64
	msgID int64
	cb    conv.Callback
	// toast is shown to the user when the callback is answered.
	toast string
}

func (b *Bot) handleCallback(ctx context.Context, q *telegram.CallbackQuery) error {
	c := &callbackCtx{user: q.From.ID, chat: q.From.ID}
	if q.Message != nil {
		c.chat, c.msgID = q.Message.Chat.ID, q.Message.ID
	}

	var err error
	c.cb, err = conv.ParseCallback(q.Data)
	if err != nil {
		c.toast = "Unknown action."
	} else {
		b.logger.Debug("handling callback", slog.Int64("user_id", c.user), slog.String("data", q.Data))
		err = b.dispatch(ctx, c)
	}

	if aerr := b.relay.AnswerCallback(ctx, q.ID, c.toast); aerr != nil {
		b.logger.Error("answering callback", slog.Any("err", aerr))
	}
	return err
}

func (b *Bot) dispatch(ctx context.Context, c *callbackCtx) error {
	if b.isBusy(c.user) {
		c.toast = "Please wait until the current operation finishes."
		return nil
	}
	st, _ := b.states.Get(c.user)
	app := c.cb.App()

	switch c.cb.Action {
	case "deploy":
		b.startDeployFlow(ctx, c.user, c.chat, c.msgID)
	case "trial":
		return b.startTrialFlow(ctx, c.user, c.chat, c.msgID)
	case "back_apps":
		return b.listApps(ctx, c.user, c.chat, c.msgID)
	case "cancel":
		b.states.Delete(c.user)
		b.show(ctx, c.chat, c.msgID, "✖️ Cancelled.", nil)

	case "wizard":
		if st.Step != conv.StepWizardChoice || !st.MatchesApp(app) {
			return b.reselect(ctx, c)
		}
		if c.cb.Arg(1) == "yes" {
			st = st.With(conv.KeyVar, "PREFIX")
			st.Step = conv.StepSetVarValue
			b.states.Set(c.user, st)
			b.show(ctx, c.chat, c.msgID, "⌨️ Send the command prefix, like <code>.</code> or <code>!</code>", nil)
			return nil
		}
		st.Step = conv.StepConfirmDeploy
		b.states.Set(c.user, st)
		b.confirmDeploy(ctx, c.chat, c.msgID, st)
	case "confirm_deploy":
		if st.Step != conv.StepConfirmDeploy || !st.MatchesApp(app) {
			return b.reselect(ctx, c)
		}
		b.startDeploy(ctx, c, st)

	case "select_app":
		if !b.owns(ctx, c.user, app) {
			c.toast = "You don't own this app."
			return b.listApps(ctx, c.user, c.chat, c.msgID)
		}
		b.states.Set(c.user, conv.NewState(conv.StepAppManagement, conv.KeyApp, app))
		b.show(ctx, c.chat, c.msgID, "📱 <b>"+telegram.Escape(app)+"</b>\n\nWhat do you want to do?", manageKeyboard(app))
	case "update_session":
		if !b.owns(ctx, c.user, app) {
			c.toast = "You don't own this app."
			return nil
		}
		b.states.Set(c.user, conv.NewState(conv.StepUpdateSession, conv.KeyApp, app))
		b.show(ctx, c.chat, c.msgID, "🔐 Send the new session ID for <b>"+telegram.Escape(app)+"</b>.", nil)

	case "info", "restart", "logs", "redeploy", "delete", "setvar", "setvar_key", "setvar_bool":
		if st.Step != conv.StepAppManagement || !st.MatchesApp(app) {
			return b.reselect(ctx, c)
		}
		return b.manage(ctx, c, app)
	case "confirm_delete", "cancel_delete":
		if st.Step != conv.StepConfirmDelete || !st.MatchesApp(app) {
			return b.reselect(ctx, c)
		}
		if c.cb.Action == "cancel_delete" {
			b.states.Set(c.user, conv.NewState(conv.StepAppManagement, conv.KeyApp, app))
			b.show(ctx, c.chat, c.msgID, "📱 <b>"+telegram.Escape(app)+"</b>\n\nWhat do you want to do?", manageKeyboard(app))
			return nil
		}
		b.states.Delete(c.user)
		if err := b.svc.Delete(ctx, c.user, app); err != nil {
			b.show(ctx, c.chat, c.msgID, describe("Deleting "+app, err), backKeyboard())
			return nil
		}
		b.show(ctx, c.chat, c.msgID, "🗑 <b>"+telegram.Escape(app)+"</b> was deleted.", backKeyboard())

	case "genkey":
		if !b.isAdmin(c.user) {
			c.toast = "This is only for the operator."
			return nil
		}
		return b.generateKey(ctx, c)
	default:
		c.toast = "Unknown action."
	}
	return nil
}

// reselect re-prompts the user, leaving the conversation unchanged.
func (b *Bot) reselect(ctx context.Context, c *callbackCtx) error {
	c.toast = reselect
	return b.listApps(ctx, c.user, c.chat, c.msgID)
}

func (b *Bot) owns(ctx context.Context, user int64, app string) bool {
	if app == "" {
		return false
	}
	o, err := b.store.FindOwner(ctx, app)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Error("finding owner", slog.String("app", app), slog.Any("err", err))
		}
		return false
	}
	return o.UserID == user || b.isAdmin(user)
}

func manageKeyboard(app string) telegram.Keyboard {
	return telegram.Keyboard{
		{button("ℹ️ Info", "info", app), button("🔄 Restart", "restart", app)},
		{button("📜 Logs", "logs", app), button("🔨 Redeploy", "redeploy", app)},
		{button("⚙️ Variables", "setvar", app), button("🔑 Update session", "update_session", app)},
		{button("🗑 Delete", "delete", app)},
		{button("⬅️ Back", "back_apps")},
	}
}

func backKeyboard() telegram.Keyboard { return telegram.Row(button("⬅️ My apps", "back_apps")) }

func (b *Bot) listApps(ctx context.Context, user, chat, messageID int64) error {
	apps, err := b.store.ListApps(ctx, user)
	if err != nil {
		b.show(ctx, chat, messageID, describe("Listing your apps", err), nil)
		return err
	}
	if len(apps) == 0 {
		b.show(ctx, chat, messageID, "You don't have any apps yet.", telegram.Row(button("🚀 Deploy", "deploy")))
		return nil
	}
	var kb telegram.Keyboard
	for _, o := range apps {
		kb = append(kb, []telegram.Button{button("📱 "+o.App, "select_app", o.App)})
	}
	b.show(ctx, chat, messageID, "Your apps:", kb)
	return nil
}

func (b *Bot) confirmDeploy(ctx context.Context, chat, messageID int64, st conv.State) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚀 Ready to deploy <b>%s</b>", telegram.Escape(st.App()))
	if st.Data[conv.KeyTrial] != "" {
		sb.WriteString(" as a free trial")
	}
	sb.WriteString(".")
	vars := wizardVars(st)
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		fmt.Fprintf(&sb, "\n%s: <code>%s</code>", k, telegram.Escape(vars[k]))
	}
	b.show(ctx, chat, messageID, sb.String(), telegram.Row(
		button("✅ Deploy", "confirm_deploy", st.App()),
		button("✖️ Cancel", "cancel"),
	))
}

// wizardVars returns the config vars set during the deployment wizard.
func wizardVars(st conv.State) map[string]string {
	vars := make(map[string]string)
	for k, v := range st.Data {
		if name, ok := strings.CutPrefix(k, "var."); ok {
			vars[name] = v
		}
	}
	return vars
}

// startDeploy runs a deployment in the background.
func (b *Bot) startDeploy(ctx context.Context, c *callbackCtx, st conv.State) {
	req := deploy.Request{
		UserID:    c.user,
		ChatID:    c.chat,
		App:       st.App(),
		Session:   st.Data[conv.KeySession],
		Vars:      wizardVars(st),
		Trial:     st.Data[conv.KeyTrial] != "",
		MessageID: c.msgID,
	}
	st.Step = conv.StepBuilding
	b.states.Set(c.user, st)
	c.toast = "Deploying..."

	var (
		res deploy.Result
		err error
	)
	b.runBusy(c.user, func() {
		res, err = b.svc.Deploy(ctx, req)
	}, func() {
		log := b.logger.With(slog.String("app", req.App), slog.Int64("user_id", req.UserID))
		if errors.Is(err, heroku.ErrNameTaken) {
			delete(st.Data, conv.KeyApp)
			st.Step = conv.StepAppName
			b.states.Set(c.user, st)
			b.show(ctx, c.chat, c.msgID, "❌ The name <b>"+telegram.Escape(req.App)+"</b> is already taken. Send another name.", nil)
			return
		}
		b.states.Delete(c.user)
		if err != nil {
			log.Error("deployment failed", slog.Any("err", err))
			b.show(ctx, c.chat, c.msgID, describe("Deployment failed", err), nil)
			return
		}
		log.Info("deployment finished", slog.String("result", res.String()))
	})
}

// startUpdate runs a session update in the background.
func (b *Bot) startUpdate(ctx context.Context, user, chat int64, app, session string) {
	b.states.Set(user, conv.NewState(conv.StepBuilding, conv.KeyApp, app))
	var err error
	b.runBusy(user, func() {
		_, err = b.svc.UpdateSession(ctx, deploy.UpdateRequest{
			UserID:  user,
			ChatID:  chat,
			App:     app,
			Session: session,
		})
	}, func() {
		b.states.Delete(user)
		if err != nil {
			b.logger.Error("session update failed", slog.String("app", app), slog.Any("err", err))
			b.reply(ctx, chat, describe("Updating the session", err), nil)
		}
	})
}

func (b *Bot) manage(ctx context.Context, c *callbackCtx, app string) error {
	esc := telegram.Escape(app)
	fail := func(what string, err error) error {
		if errors.Is(err, deploy.ErrAppGone) || errors.Is(err, deploy.ErrNotOwner) {
			b.states.Delete(c.user)
			b.show(ctx, c.chat, c.msgID, describe(what, err), backKeyboard())
			return nil
		}
		b.show(ctx, c.chat, c.msgID, describe(what, err), manageKeyboard(app))
		return nil
	}

	switch c.cb.Action {
	case "info":
		info, err := b.svc.Info(ctx, c.user, app)
		if err != nil {
			return fail("Getting info", err)
		}
		b.show(ctx, c.chat, c.msgID, formatInfo(info), manageKeyboard(app))
	case "restart":
		if err := b.svc.Restart(ctx, c.user, app); err != nil {
			return fail("Restarting", err)
		}
		c.toast = "Restarting..."
		b.show(ctx, c.chat, c.msgID, "🔄 <b>"+esc+"</b> is restarting.", manageKeyboard(app))
	case "logs":
		logs, err := b.svc.Logs(ctx, c.user, app)
		if err != nil {
			return fail("Fetching logs", err)
		}
		b.reply(ctx, c.chat, "📜 Logs of <b>"+esc+"</b>:\n<pre>"+telegram.Escape(tail(logs, 3500))+"</pre>", nil)
	case "redeploy":
		b.states.Set(c.user, conv.NewState(conv.StepBuilding, conv.KeyApp, app))
		c.toast = "Redeploying..."
		var err error
		b.runBusy(c.user, func() {
			err = b.svc.Redeploy(ctx, c.user, c.chat, c.msgID, app)
		}, func() {
			b.states.Set(c.user, conv.NewState(conv.StepAppManagement, conv.KeyApp, app))
			if err != nil {
				fail("Redeploying", err)
			}
		})
	case "delete":
		b.states.Set(c.user, conv.NewState(conv.StepConfirmDelete, conv.KeyApp, app))
		b.show(ctx, c.chat, c.msgID, "⚠️ Delete <b>"+esc+"</b>? This can't be undone.", telegram.Row(
			button("🗑 Yes, delete", "confirm_delete", app),
			button("⬅️ No", "cancel_delete", app),
		))
	case "setvar":
		vars, err := b.svc.Vars(ctx, c.user, app)
		if err != nil {
			return fail("Reading variables", err)
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "⚙️ Variables of <b>%s</b>:\n", esc)
		var kb telegram.Keyboard
		for i, v := range deploy.EditableVars {
			val, ok := vars[v.Name]
			if !ok {
				val = "not set"
			}
			fmt.Fprintf(&sb, "\n<b>%s</b>: <code>%s</code>\n<i>%s</i>", v.Name, telegram.Escape(val), telegram.Escape(v.Description))
			kb = append(kb, []telegram.Button{button(v.Name, "setvar_key", app, strconv.Itoa(i))})
		}
		kb = append(kb, []telegram.Button{button("⬅️ Back", "select_app", app)})
		b.show(ctx, c.chat, c.msgID, sb.String(), kb)
	case "setvar_key":
		v, ok := varAt(c.cb.Arg(1))
		if !ok {
			return b.reselect(ctx, c)
		}
		if v.Bool {
			idx := c.cb.Arg(1)
			b.show(ctx, c.chat, c.msgID, "Set <b>"+v.Name+"</b> of <b>"+esc+"</b>:", telegram.Keyboard{
				{button("✅ true", "setvar_bool", app, idx, "true"), button("❌ false", "setvar_bool", app, idx, "false")},
				{button("⬅️ Back", "setvar", app)},
			})
			return nil
		}
		b.states.Set(c.user, conv.NewState(conv.StepSetVarValue, conv.KeyApp, app, conv.KeyVar, v.Name))
		b.show(ctx, c.chat, c.msgID, "⌨️ Send the new value of <b>"+v.Name+"</b>.", nil)
	case "setvar_bool":
		v, ok := varAt(c.cb.Arg(1))
		if !ok || !v.Bool {
			return b.reselect(ctx, c)
		}
		value := c.cb.Arg(2)
		if err := b.svc.SetVar(ctx, c.user, app, v.Name, value); err != nil {
			return fail("Setting "+v.Name, err)
		}
		c.toast = v.Name + " = " + value
		b.show(ctx, c.chat, c.msgID, "✅ <b>"+v.Name+"</b> is set to <code>"+value+"</code>. The app is restarting.", manageKeyboard(app))
	}
	return nil
}

func varAt(idx string) (deploy.Var, bool) {
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= len(deploy.EditableVars) {
		return deploy.Var{}, false
	}
	return deploy.EditableVars[i], true
}

// tail returns at most the last n bytes of s, starting at a line boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		if s == "" {
			return "(empty)"
		}
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	s = s[cut:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func formatInfo(info deploy.Info) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ℹ️ <b>%s</b>\n\n", telegram.Escape(info.App.Name))
	status := "🔴 stopped"
	if info.Running() {
		status = "🟢 running"
	}
	fmt.Fprintf(&sb, "Status: %s\n", status)
	if info.LoggedOut {
		sb.WriteString("Session: ⚠️ logged out")
		if !info.LoggedOutAt.IsZero() {
			sb.WriteString(" since " + info.LoggedOutAt.UTC().Format(time.DateTime) + " UTC")
		}
		sb.WriteString("\n")
	}
	for _, d := range info.Dynos {
		fmt.Fprintf(&sb, "Dyno: <code>%s</code> %s\n", telegram.Escape(d.Name), telegram.Escape(d.State))
	}
	fmt.Fprintf(&sb, "Owner: <code>%d</code>\n", info.Owner.UserID)
	if info.App.Region.Name != "" {
		fmt.Fprintf(&sb, "Region: %s\n", telegram.Escape(info.App.Region.Name))
	}
	if !info.App.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "Created: %s\n", info.App.CreatedAt.UTC().Format(time.DateOnly))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
