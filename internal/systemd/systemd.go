// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd reports service state to systemd with the sd_notify
// protocol.
//
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
package systemd

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// State is a sd_notify state assignment.
type State string

// States sent by this package.
const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notifier sends states to the socket named by $NOTIFY_SOCKET. Without it,
// Notify does nothing.
type Notifier struct {
	socket   string
	watchdog time.Duration
	logger   *slog.Logger
}

// New returns a Notifier configured from the environment read with getenv.
func New(getenv func(string) string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{socket: getenv("NOTIFY_SOCKET"), logger: logger}
	if s := getenv("WATCHDOG_USEC"); s != "" {
		usec, err := strconv.Atoi(s)
		if err != nil || usec <= 0 {
			logger.Warn("systemd: invalid WATCHDOG_USEC", slog.String("value", s))
		} else {
			n.watchdog = time.Duration(usec) * time.Microsecond
		}
	}
	return n
}

// Enabled reports whether the service runs under systemd.
func (n *Notifier) Enabled() bool { return n.socket != "" }

// Notify sends states in one datagram. Failures are logged.
func (n *Notifier) Notify(states ...State) {
	if !n.Enabled() || len(states) == 0 {
		return
	}
	lines := make([]string, len(states))
	for i, s := range states {
		lines[i] = string(s)
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: n.socket})
	if err != nil {
		n.logger.Error("systemd: notifying", slog.Any("err", err))
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		n.logger.Error("systemd: notifying", slog.Any("err", err))
	}
}

// WatchdogLoop updates the watchdog timestamp at half the interval systemd
// asked for, until ctx is done. It returns immediately if the watchdog is not
// enabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if !n.Enabled() || n.watchdog == 0 {
		return
	}
	ticker := time.NewTicker(n.watchdog / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return
		}
	}
}
