// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package httplogger provides an [http.RoundTripper] that logs outgoing
// requests at the debug level.
package httplogger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// New returns an [http.RoundTripper] that logs requests made with t. The
// scrubber, if not nil, removes secrets from logged URLs, like the bot token
// in Telegram Bot API paths.
func New(t http.RoundTripper, logger *slog.Logger, scrubber *strings.Replacer) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &transport{next: t, logger: logger, scrubber: scrubber}
}

type transport struct {
	next     http.RoundTripper
	logger   *slog.Logger
	scrubber *strings.Replacer
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)

	url := r.URL.String()
	if t.scrubber != nil {
		url = t.scrubber.Replace(url)
	}
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", url),
		slog.Duration("duration", time.Since(start)),
	}
	if resp != nil {
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	if err != nil {
		msg := err.Error()
		if t.scrubber != nil {
			msg = t.scrubber.Replace(msg)
		}
		attrs = append(attrs, slog.String("err", msg))
	}
	t.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request", attrs...)
	return resp, err
}
