// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package supervisor runs the WhatsApp bot process and relays its status to
// the broadcast channel.
//
// The process output is scanned line by line. Lines containing one of the
// connected or logged out markers are reported as canonical status lines
// (see package statusline), which the control panel reads from the channel.
package supervisor

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.astrophena.name/tgdeploy/internal/statusline"
	"go.astrophena.name/tgdeploy/internal/telegram"
)

// ErrGaveUp is returned by Run when the process crashed too many times in a
// row.
var ErrGaveUp = errors.New("supervisor: too many consecutive crashes")

// Default markers matching the WhatsApp bot output. Matching is
// case-insensitive.
var (
	DefaultConnected = []string{"bot connected", "connected to whatsapp", "opened connection"}
	DefaultLogout    = []string{"logged out", "logout"}
)

// Poster sends messages. It's implemented by [*telegram.Client].
type Poster interface {
	Send(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error)
}

// Config configures a Supervisor.
type Config struct {
	// Name is the application name used in status lines.
	Name string
	// Command is the program and its arguments.
	Command []string
	// Dir is the working directory of the process.
	Dir string
	// Env is the process environment. If nil, the current environment is
	// used.
	Env []string

	Poster Poster
	// ChannelID is the broadcast channel that receives status lines.
	ChannelID int64
	// AlertID receives crash alerts. If zero, they go to the channel.
	AlertID int64

	// Output receives a copy of the process output. If nil, it's discarded.
	Output io.Writer
	// Connected and Logout are the markers of the status lines. If nil, the
	// defaults are used.
	Connected []string
	Logout    []string

	// RestartDelay is the pause before a restart. Defaults to 5 seconds.
	RestartDelay time.Duration
	// MaxCrashes is the number of consecutive crashes after which Run gives
	// up. Defaults to 5.
	MaxCrashes int
	// StableAfter is how long the process must run for the crash count to
	// reset. Defaults to a minute.
	StableAfter time.Duration

	Logger *slog.Logger
}

// Validate checks that c can be run.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("supervisor: name is required")
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		return errors.New("supervisor: command is required")
	}
	if c.Poster == nil || c.ChannelID == 0 {
		return errors.New("supervisor: poster and channel are required")
	}
	return nil
}

// Supervisor runs a process and restarts it when it exits.
type Supervisor struct {
	c         Config
	logger    *slog.Logger
	connected []string
	logout    []string
}

// New returns a new Supervisor.
func New(c Config) (*Supervisor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		c:         c,
		logger:    cmp.Or(c.Logger, slog.Default()),
		connected: lower(c.Connected, DefaultConnected),
		logout:    lower(c.Logout, DefaultLogout),
	}
	s.logger = s.logger.With(slog.String("app", c.Name))
	return s, nil
}

func lower(markers, def []string) []string {
	if markers == nil {
		markers = def
	}
	l := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			l = append(l, strings.ToLower(m))
		}
	}
	return l
}

// Run runs the process until ctx is done, restarting it after each exit. It
// returns nil when ctx is done, or ErrGaveUp.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		delay       = cmp.Or(s.c.RestartDelay, 5*time.Second)
		maxCrashes  = cmp.Or(s.c.MaxCrashes, 5)
		stableAfter = cmp.Or(s.c.StableAfter, time.Minute)
		crashes     int
	)
	for {
		start := time.Now()
		s.logger.Info("starting process", slog.Any("command", s.c.Command))
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("process stopped")
			return nil
		}

		if time.Since(start) >= stableAfter {
			crashes = 0
		}
		crashes++
		reason := "exited"
		if err != nil {
			reason = err.Error()
		}
		s.logger.Warn("process exited", slog.String("reason", reason), slog.Int("crashes", crashes))

		if crashes >= maxCrashes {
			s.alert(ctx, fmt.Sprintf("🛑 [%s] %s. It crashed %d times in a row, giving up.", s.c.Name, reason, crashes))
			return ErrGaveUp
		}
		s.alert(ctx, fmt.Sprintf("⚠️ [%s] %s. Restarting in %v.", s.c.Name, reason, delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.c.Command[0], s.c.Command[1:]...)
	cmd.Dir = s.c.Dir
	cmd.Env = s.c.Env
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		done <- err
	}()

	s.scan(ctx, pr)
	// Drain in case scanning stopped early.
	io.Copy(io.Discard, pr)
	return <-done
}

// scan reads process output, relaying status changes.
func (s *Supervisor) scan(ctx context.Context, r io.Reader) {
	last := statusline.Unrecognized
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if s.c.Output != nil {
			fmt.Fprintln(s.c.Output, line)
		}
		kind := s.match(line)
		if kind == statusline.Unrecognized || kind == last {
			continue
		}
		last = kind
		s.relay(ctx, kind)
	}
	if err := sc.Err(); err != nil {
		s.logger.Error("reading process output", slog.Any("err", err))
	}
}

func (s *Supervisor) match(line string) statusline.Kind {
	line = strings.ToLower(line)
	// Logout markers take precedence.
	for _, m := range s.logout {
		if strings.Contains(line, m) {
			return statusline.Logout
		}
	}
	for _, m := range s.connected {
		if strings.Contains(line, m) {
			return statusline.Connected
		}
	}
	return statusline.Unrecognized
}

func (s *Supervisor) relay(ctx context.Context, kind statusline.Kind) {
	text := statusline.FormatConnected(s.c.Name)
	if kind == statusline.Logout {
		text = statusline.FormatLogout(s.c.Name)
	}
	s.logger.Info("relaying status", slog.String("status", kind.String()))
	if _, err := s.c.Poster.Send(ctx, s.c.ChannelID, text, nil); err != nil {
		s.logger.Error("relaying status", slog.Any("err", err))
	}
}

func (s *Supervisor) alert(ctx context.Context, text string) {
	if _, err := s.c.Poster.Send(ctx, cmp.Or(s.c.AlertID, s.c.ChannelID), telegram.Escape(text), nil); err != nil {
		s.logger.Error("sending alert", slog.Any("err", err))
	}
}
