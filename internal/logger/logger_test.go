// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/tgdeploy/internal/testutil"
)

func TestLogfWriter(t *testing.T) {
	t.Parallel()

	var message string
	logf := func(format string, args ...any) {
		message = fmt.Sprintf(format, args...)
	}
	Logf(logf).Write([]byte("hello"))
	testutil.AssertEqual(t, message, "hello")
}

func TestContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf)
	ctx := Put(context.Background(), l)
	if Get(ctx) != l {
		t.Fatal("Get returned a different logger")
	}
	Get(ctx).Info("deployed", "app", "mybot-01")
	if !strings.Contains(buf.String(), "app=mybot-01") {
		t.Fatalf("log output %q lacks attribute", buf.String())
	}

	if Get(context.Background()).Logger == nil {
		t.Fatal("Get on empty context returned nil logger")
	}
}

func TestStreamer(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)

	for i := 1; i <= 6; i++ {
		if _, err := fmt.Fprintf(s, "Line %d\n", i); err != nil {
			t.Fatal(err)
		}
	}

	lines := s.Lines()
	testutil.AssertEqual(t, len(lines), 5)
	testutil.AssertEqual(t, lines[0], "Line 2\n")
	testutil.AssertEqual(t, lines[4], "Line 6\n")

	stream, closeStream := s.Stream()
	defer closeStream()

	go s.Write([]byte("New line\n"))

	select {
	case line := <-stream:
		testutil.AssertEqual(t, line, "New line\n")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for streamed line")
	}

	// Closing twice is safe.
	closeStream()
	closeStream()
}

func TestStreamerHTTP(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)

	req := httptest.NewRequest(http.MethodGet, "/debug/logs", nil)
	req.Header.Set("Accept", "text/event-stream")
	ctx, cancel := context.WithTimeout(req.Context(), 300*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Write([]byte("HTTP line\n"))
	}()

	s.ServeHTTP(w, req)

	testutil.AssertEqual(t, w.Result().Header.Get("Content-Type"), "text/event-stream")
	if body := w.Body.String(); !strings.Contains(body, "event: logline\ndata: HTTP line\n") {
		t.Fatalf("unexpected body %q", body)
	}
}
