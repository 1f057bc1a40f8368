// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements a small client for the Telegram Bot API.
//
// Messages are sent with the HTML parse mode; use [Escape] for untrusted text.
// Rate limited requests are retried after the delay Telegram asks for.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgdeploy/internal/request"

	"golang.org/x/time/rate"
)

const (
	// DefaultURL is the base URL of the Telegram Bot API.
	DefaultURL = "https://api.telegram.org"

	retryLimit = 5    // attempts for rate limited requests
	maxLength  = 4096 // maximum message length in runes
)

var allowedUpdates = []string{"message", "callback_query", "channel_post"}

// Config configures a Client.
type Config struct {
	// Token is the bot token.
	Token string
	// BaseURL overrides DefaultURL.
	BaseURL string
	// HTTPClient is used for requests. Its timeout must exceed the long
	// polling timeout passed to Updates.
	HTTPClient *http.Client
	// Scrubber removes secrets from errors. If nil, the token is scrubbed.
	Scrubber *strings.Replacer
	Logger   *slog.Logger
	// Limiter limits the rate of outgoing requests, except for getUpdates.
	// If nil, requests are limited to 25 per second.
	Limiter *rate.Limiter
}

// Client makes requests to the Telegram Bot API.
type Client struct {
	token    string
	baseURL  string
	httpc    *http.Client
	scrubber *strings.Replacer
	logger   *slog.Logger
	limiter  *rate.Limiter
	sleep    func(context.Context, time.Duration) bool
}

// New returns a new Client.
func New(cfg Config) *Client {
	c := &Client{
		token:    cfg.Token,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		logger:   cfg.Logger,
		limiter:  cfg.Limiter,
		sleep:    sleep,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultURL
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: time.Minute}
	}
	if c.scrubber == nil && c.token != "" {
		c.scrubber = strings.NewReplacer(c.token, "[EXPUNGED]")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Every(time.Second/25), 5)
	}
	return c
}

// Escape escapes text for use in HTML-formatted messages.
func Escape(text string) string { return html.EscapeString(text) }

// Button is an inline keyboard button. Exactly one of Data or URL should be
// set.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Keyboard is an inline keyboard made of button rows.
type Keyboard [][]Button

// Row returns a Keyboard with one row of buttons.
func Row(buttons ...Button) Keyboard { return Keyboard{buttons} }

// Update is an incoming update.
type Update struct {
	ID            int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	ChannelPost   *Message       `json:"channel_post,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an incoming message.
type Message struct {
	ID      int64  `json:"message_id"`
	From    *User  `json:"from,omitempty"`
	Chat    Chat   `json:"chat"`
	Date    int64  `json:"date"`
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// CallbackQuery is a press of an inline keyboard button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// Error is an error returned by the Bot API.
type Error struct {
	Method      string
	Code        int
	Description string
	err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram: %s: %s", e.Method, e.Description)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotModified reports whether err is returned for an edit that doesn't
// change the message.
func IsNotModified(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && strings.Contains(terr.Description, "message is not modified")
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type replyMarkup struct {
	InlineKeyboard Keyboard `json:"inline_keyboard"`
}

type messageArgs struct {
	ChatID             int64              `json:"chat_id"`
	MessageID          int64              `json:"message_id,omitempty"`
	Text               string             `json:"text"`
	ParseMode          string             `json:"parse_mode"`
	LinkPreviewOptions linkPreviewOptions `json:"link_preview_options"`
	ReplyMarkup        *replyMarkup       `json:"reply_markup,omitempty"`
}

func newMessageArgs(chatID int64, text string, kb Keyboard) messageArgs {
	args := messageArgs{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          "HTML",
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	}
	if len(kb) > 0 {
		args.ReplyMarkup = &replyMarkup{InlineKeyboard: kb}
	}
	return args
}

// Send sends an HTML-formatted message with an optional inline keyboard and
// returns its ID. Messages longer than Telegram allows are split on line
// boundaries; the keyboard is attached to the last part, whose ID is returned.
func (c *Client) Send(ctx context.Context, chatID int64, text string, kb Keyboard) (int64, error) {
	chunks := splitMessage(text)
	if len(chunks) == 0 {
		return 0, errors.New("telegram: empty message")
	}
	var id int64
	for i, chunk := range chunks {
		var chunkKb Keyboard
		if i == len(chunks)-1 {
			chunkKb = kb
		}
		msg, err := call[Message](ctx, c, "sendMessage", newMessageArgs(chatID, chunk, chunkKb))
		if err != nil {
			return 0, err
		}
		id = msg.ID
	}
	return id, nil
}

// Edit replaces the text and keyboard of a message. Edits that change
// nothing are not an error.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string, kb Keyboard) error {
	args := newMessageArgs(chatID, text, kb)
	args.MessageID = messageID
	_, err := call[json.RawMessage](ctx, c, "editMessageText", args)
	if IsNotModified(err) {
		return nil
	}
	return err
}

// Delete deletes a message.
func (c *Client) Delete(ctx context.Context, chatID, messageID int64) error {
	_, err := call[bool](ctx, c, "deleteMessage", map[string]int64{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

// AnswerCallback acknowledges a callback query, optionally showing text to
// the user.
func (c *Client) AnswerCallback(ctx context.Context, id, text string) error {
	_, err := call[bool](ctx, c, "answerCallbackQuery", map[string]string{
		"callback_query_id": id,
		"text":              text,
	})
	return err
}

// SetWebhook makes Telegram deliver updates to url with the secret in the
// X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	_, err := call[bool](ctx, c, "setWebhook", map[string]any{
		"url":             url,
		"secret_token":    secret,
		"allowed_updates": allowedUpdates,
	})
	return err
}

// DeleteWebhook removes the webhook so that updates can be received with
// Updates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call[bool](ctx, c, "deleteWebhook", struct{}{})
	return err
}

// GetMe returns the bot user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	return call[User](ctx, c, "getMe", struct{}{})
}

// Updates long polls for updates with IDs starting from offset, waiting up to
// timeout for at least one to arrive.
func (c *Client) Updates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	return call[[]Update](ctx, c, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": allowedUpdates,
	})
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	var (
		resp response[T]
		err  error
	)
	for range retryLimit {
		if method != "getUpdates" {
			if err := c.limiter.Wait(ctx); err != nil {
				return resp.Result, err
			}
		}

		resp, err = request.Make[response[T]](ctx, request.Params{
			Method:     http.MethodPost,
			URL:        c.baseURL + "/bot" + c.token + "/" + method,
			Body:       args,
			HTTPClient: c.httpc,
			Scrubber:   c.scrubber,
		})
		if err == nil {
			break
		}

		retryable, wait := isRateLimited(err)
		if !retryable {
			break
		}
		c.logger.Warn("rate limited, waiting", slog.String("method", method), slog.Duration("wait", wait))
		if !c.sleep(ctx, wait) {
			return resp.Result, ctx.Err()
		}
	}
	if err != nil {
		return resp.Result, apiError(method, err)
	}
	if !resp.OK {
		return resp.Result, &Error{Method: method, Code: resp.ErrorCode, Description: resp.Description}
	}
	return resp.Result, nil
}

func apiError(method string, err error) error {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	var resp response[json.RawMessage]
	if json.Unmarshal(statusErr.Body, &resp) != nil || resp.Description == "" {
		return err
	}
	return &Error{Method: method, Code: resp.ErrorCode, Description: resp.Description, err: err}
}

func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}
	var resp response[json.RawMessage]
	if err := json.Unmarshal(statusErr.Body, &resp); err != nil {
		return false, 0
	}
	return true, time.Duration(resp.Parameters.RetryAfter) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitMessage splits text into parts no longer than maxLength runes,
// preferring to cut at newlines.
func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	var parts []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxLength {
			parts = append(parts, text)
			break
		}
		cut, runes := len(text), 0
		for i := range text {
			if runes == maxLength {
				cut = i
				break
			}
			runes++
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl
		}
		if part := strings.TrimSpace(text[:cut]); part != "" {
			parts = append(parts, part)
		}
		text = strings.TrimSpace(text[cut:])
	}
	return parts
}
