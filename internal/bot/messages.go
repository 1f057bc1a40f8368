// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.astrophena.name/tgdeploy/internal/conv"
	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

const welcome = `👋 <b>Welcome!</b>

I deploy the Levanter WhatsApp bot to Heroku for you and help you manage it.

/deploy - deploy a bot with a deploy key
/trial - try a bot for free
/apps - manage your bots
/cancel - cancel the current action`

const adminHelp = `

<b>Operator</b>
/add <code>app user_id</code> - assign an app to a user
/remove <code>app</code> - unassign an app
/allapps - list all apps
/genkey - generate a deploy key
/keys - list deploy keys`

const pleaseWait = "⏳ Please wait until the current operation finishes."

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) error {
	user := msg.From.ID
	chat := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if cmd, args, ok := parseCommand(text); ok {
		return b.handleCommand(ctx, user, chat, cmd, args)
	}

	if b.isBusy(user) {
		b.reply(ctx, chat, pleaseWait, nil)
		return nil
	}
	st, ok := b.states.Get(user)
	if !ok {
		b.reply(ctx, chat, "Send /start to see what I can do.", nil)
		return nil
	}
	log := b.logger.With(slog.Int64("user_id", user), slog.String("step", st.Step.String()))
	log.Debug("handling message")

	switch st.Step {
	case conv.StepAwaitingKey:
		return b.redeemKey(ctx, user, chat, text)
	case conv.StepSessionID:
		if err := deploy.ValidateSession(text); err != nil {
			b.reply(ctx, chat, "❌ "+telegram.Escape(err.Error())+". Send it again.", nil)
			return nil
		}
		st = st.With(conv.KeySession, text)
		st.Step = conv.StepAppName
		b.states.Set(user, st)
		b.reply(ctx, chat, "📛 Now send a name for your app: at least 5 lowercase letters, digits or hyphens, like <code>mybot-01</code>.", nil)
	case conv.StepAppName:
		if err := deploy.ValidateName(text); err != nil {
			b.reply(ctx, chat, "❌ "+telegram.Escape(err.Error())+". Send another name.", nil)
			return nil
		}
		st = st.With(conv.KeyApp, text)
		st.Step = conv.StepWizardChoice
		b.states.Set(user, st)
		b.reply(ctx, chat, "⚙️ Do you want to set the command prefix of <b>"+telegram.Escape(text)+"</b>? The default is <code>.</code>", telegram.Row(
			button("Yes", "wizard", text, "yes"),
			button("No, use defaults", "wizard", text, "no"),
		))
	case conv.StepSetVarValue:
		return b.setVarValue(ctx, user, chat, st, text)
	case conv.StepUpdateSession:
		if err := deploy.ValidateSession(text); err != nil {
			b.reply(ctx, chat, "❌ "+telegram.Escape(err.Error())+". Send it again.", nil)
			return nil
		}
		b.startUpdate(ctx, user, chat, st.App(), text)
	case conv.StepBuilding:
		b.reply(ctx, chat, pleaseWait, nil)
	case conv.StepAwaitingAppForAdd:
		if !b.isAdmin(user) {
			b.states.Delete(user)
			return nil
		}
		return b.assign(ctx, user, chat, strings.Fields(text))
	case conv.StepAwaitingAppForRemoval:
		if !b.isAdmin(user) {
			b.states.Delete(user)
			return nil
		}
		return b.unassign(ctx, user, chat, strings.Fields(text))
	default:
		// Unrelated input abandons the conversation.
		b.states.Delete(user)
		b.reply(ctx, chat, "Send /start to see what I can do.", nil)
	}
	return nil
}

// parseCommand splits "/cmd@bot args" into the command and its arguments.
func parseCommand(text string) (cmd string, args []string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	cmd, _, _ = strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	return strings.ToLower(cmd), fields[1:], cmd != ""
}

func (b *Bot) handleCommand(ctx context.Context, user, chat int64, cmd string, args []string) error {
	if b.isBusy(user) && cmd != "apps" {
		b.reply(ctx, chat, pleaseWait, nil)
		return nil
	}

	switch cmd {
	case "start", "help":
		b.states.Delete(user)
		text := welcome
		if b.isAdmin(user) {
			text += adminHelp
		}
		b.reply(ctx, chat, text, telegram.Keyboard{
			{button("🚀 Deploy", "deploy"), button("🎁 Free trial", "trial")},
			{button("📱 My apps", "back_apps")},
		})
	case "deploy":
		b.startDeployFlow(ctx, user, chat, 0)
	case "trial":
		return b.startTrialFlow(ctx, user, chat, 0)
	case "apps":
		return b.listApps(ctx, user, chat, 0)
	case "cancel":
		b.states.Delete(user)
		b.reply(ctx, chat, "✖️ Cancelled.", nil)
	case "add", "remove", "allapps", "genkey", "keys":
		if !b.isAdmin(user) {
			b.reply(ctx, chat, "🚫 This command is only for the operator.", nil)
			return nil
		}
		return b.handleAdminCommand(ctx, user, chat, cmd, args)
	default:
		b.reply(ctx, chat, "Unknown command. Send /start to see what I can do.", nil)
	}
	return nil
}

// startDeployFlow asks for a deploy key, or for the session ID when the
// operator deploys.
func (b *Bot) startDeployFlow(ctx context.Context, user, chat, messageID int64) {
	if b.isAdmin(user) {
		b.states.Set(user, conv.NewState(conv.StepSessionID))
		b.show(ctx, chat, messageID, sessionPrompt, nil)
		return
	}
	b.states.Set(user, conv.NewState(conv.StepAwaitingKey))
	b.show(ctx, chat, messageID, "🔑 Send your deploy key. Ask the operator if you don't have one.", nil)
}

const sessionPrompt = "🔐 Send the session ID of your WhatsApp account. It is at least 10 characters long."

func (b *Bot) startTrialFlow(ctx context.Context, user, chat, messageID int64) error {
	ok, next, err := b.svc.CanDeployFreeTrial(ctx, user)
	if err != nil {
		b.show(ctx, chat, messageID, describe("Checking free trial", err), nil)
		return err
	}
	if !ok {
		b.show(ctx, chat, messageID, describe("", &deploy.CooldownError{Next: next}), nil)
		return nil
	}
	b.states.Set(user, conv.NewState(conv.StepSessionID, conv.KeyTrial, "1"))
	b.show(ctx, chat, messageID, "🎁 The free trial app runs for "+b.svc.Config().TrialWindow.String()+" and is deleted afterwards.\n\n"+sessionPrompt, nil)
	return nil
}

func (b *Bot) redeemKey(ctx context.Context, user, chat int64, key string) error {
	left, err := b.store.RedeemDeployKey(ctx, strings.ToUpper(key))
	if errors.Is(err, store.ErrNoKey) {
		b.reply(ctx, chat, "❌ This key is invalid or expired. Send another one or /cancel.", nil)
		return nil
	}
	if err != nil {
		b.reply(ctx, chat, describe("Checking the key", err), nil)
		return err
	}
	b.logger.Info("deploy key redeemed", slog.Int64("user_id", user), slog.Int("uses_left", left))
	b.states.Set(user, conv.NewState(conv.StepSessionID))
	b.reply(ctx, chat, "✅ Key accepted.\n\n"+sessionPrompt, nil)
	return nil
}

func (b *Bot) setVarValue(ctx context.Context, user, chat int64, st conv.State, value string) error {
	app, name := st.App(), st.Data[conv.KeyVar]
	v, ok := deploy.LookupVar(name)
	if !ok {
		b.states.Delete(user)
		return nil
	}
	if err := v.Check(value); err != nil {
		b.reply(ctx, chat, "❌ "+telegram.Escape(err.Error())+". Send another value or /cancel.", nil)
		return nil
	}

	// During the deployment wizard the value is kept until the app is
	// deployed.
	if st.Data[conv.KeySession] != "" {
		st = st.With(varKey(name), value)
		st.Step = conv.StepConfirmDeploy
		b.states.Set(user, st)
		b.confirmDeploy(ctx, chat, 0, st)
		return nil
	}

	if err := b.svc.SetVar(ctx, user, app, name, value); err != nil {
		b.reply(ctx, chat, describe("Setting "+name, err), nil)
		if errors.Is(err, deploy.ErrAppGone) || errors.Is(err, deploy.ErrNotOwner) {
			b.states.Delete(user)
		}
		return nil
	}
	b.states.Set(user, conv.NewState(conv.StepAppManagement, conv.KeyApp, app))
	b.reply(ctx, chat, "✅ <b>"+name+"</b> is set. The app is restarting.", manageKeyboard(app))
	return nil
}

// varKey is the conversation data key of a config var set in the wizard.
func varKey(name string) string { return "var." + name }

func button(text, action string, args ...string) telegram.Button {
	return telegram.Button{Text: text, Data: conv.NewCallback(action, args...).String()}
}
