// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/tgdeploy/internal/testutil"
)

func listen(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func read(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestNotify(t *testing.T) {
	t.Parallel()
	l, path := listen(t)

	n := New(env(map[string]string{"NOTIFY_SOCKET": path}), nil)
	testutil.AssertEqual(t, n.Enabled(), true)

	n.Notify(Ready)
	testutil.AssertEqual(t, read(t, l), "READY=1")

	n.Notify(Stopping, Watchdog)
	testutil.AssertEqual(t, read(t, l), "STOPPING=1\nWATCHDOG=1")
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	n := New(env(nil), nil)
	testutil.AssertEqual(t, n.Enabled(), false)
	// Must not block or panic.
	n.Notify(Ready)
	n.WatchdogLoop(t.Context())
}

func TestWatchdogLoop(t *testing.T) {
	t.Parallel()
	l, path := listen(t)

	n := New(env(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "100000",
	}), nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		n.WatchdogLoop(ctx)
		close(done)
	}()

	testutil.AssertEqual(t, read(t, l), "WATCHDOG=1")
	cancel()
	<-done
}

func TestInvalidWatchdog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := New(env(map[string]string{
		"NOTIFY_SOCKET": "/nonexistent",
		"WATCHDOG_USEC": "soon",
	}), slog.New(slog.NewTextHandler(&buf, nil)))

	testutil.AssertEqual(t, n.watchdog, time.Duration(0))
	if !strings.Contains(buf.String(), "invalid WATCHDOG_USEC") {
		t.Fatalf("want a warning, got %q", buf.String())
	}
	// Returns right away without a watchdog.
	n.WatchdogLoop(t.Context())
}
