// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/tgdeploy/internal/cli"
	"go.astrophena.name/tgdeploy/internal/cli/clitest"
	"go.astrophena.name/tgdeploy/internal/heroku/herokutest"
	"go.astrophena.name/tgdeploy/internal/logger"
	"go.astrophena.name/tgdeploy/internal/statusline"
	"go.astrophena.name/tgdeploy/internal/supervisor"
	"go.astrophena.name/tgdeploy/internal/testutil"
)

// Typical Telegram Bot API token, copied from docs.
const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

func TestRun(t *testing.T) {
	t.Parallel()

	clitest.Run(t, func(t *testing.T) *app {
		return &app{httpc: testutil.MockHTTPClient(newFakes(t).mux)}
	}, map[string]clitest.Case[*app]{
		"prints usage with help flag": {
			Args:    []string{"-h"},
			WantErr: flag.ErrHelp,
		},
		"version": {
			Args:    []string{"-version"},
			WantErr: cli.ErrExitVersion,
		},
		"no command": {
			Args:        []string{},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: "a command is required",
		},
		"unknown command": {
			Args:        []string{"frobnicate"},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: `unknown command "frobnicate"`,
		},
		"serve without configuration": {
			Args:        []string{"serve"},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: "missing CHANNEL_ID, DATABASE_URL, HEROKU_API_KEY, TG_OWNER, TG_TOKEN",
		},
		"migrate without database": {
			Args:        []string{"migrate"},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: "missing DATABASE_URL",
		},
		"supervise without command": {
			Args: []string{"-name", "mybot-01", "supervise", "--"},
			Env: map[string]string{
				"TG_TOKEN":   tgToken,
				"CHANNEL_ID": "-100123",
			},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: "the command to supervise is required",
		},
		"invalid number": {
			Args:    []string{"serve"},
			Env:     map[string]string{"TG_OWNER": "operator"},
			WantErr: cli.ErrInvalidArgs,
		},
		"invalid duration": {
			Args:        []string{"serve"},
			Env:         map[string]string{"TRIAL_WINDOW": "an hour"},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: `"an hour" is not a positive duration`,
		},
		"trial warning after teardown": {
			Args: []string{"-trial-window", "5m", "serve"},
			Env: map[string]string{
				"TRIAL_WARNING": "10m",
			},
			WantErr:     cli.ErrInvalidArgs,
			WantErrText: "trial warning must be shorter than the trial window",
		},
		"reads environment": {
			Args: []string{"migrate"},
			Env: map[string]string{
				"TG_TOKEN":       tgToken,
				"TG_OWNER":       "1",
				"CHANNEL_ID":     "-100123",
				"HEROKU_API_KEY": "heroku-key",
				"TRIAL_WINDOW":   "30m",
				"VERBOSE":        "true",
			},
			WantErr: cli.ErrInvalidArgs,
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, a.tgToken, tgToken)
				testutil.AssertEqual(t, a.tgOwner, int64(1))
				testutil.AssertEqual(t, a.channelID, int64(-100123))
				testutil.AssertEqual(t, a.herokuKey, "heroku-key")
				testutil.AssertEqual(t, a.trialWindow, 30*time.Minute)
				testutil.AssertEqual(t, a.addr, "localhost:3000")
				testutil.AssertEqual(t, a.verbose, true)
			},
		},
		"flags take precedence": {
			Args: []string{"-channel", "-5", "-addr", ":8080", "migrate"},
			Env: map[string]string{
				"CHANNEL_ID": "-100123",
				"ADDR":       ":9090",
			},
			WantErr: cli.ErrInvalidArgs,
			CheckFunc: func(t *testing.T, a *app) {
				testutil.AssertEqual(t, a.channelID, int64(-5))
				testutil.AssertEqual(t, a.addr, ":8080")
			},
		},
	})
}

// fakes fake the Telegram Bot API and the Heroku Platform API.
type fakes struct {
	mux    *http.ServeMux
	heroku *herokutest.Server

	mu    sync.Mutex
	calls []call
}

type call struct {
	Method string
	Args   map[string]any
}

func newFakes(t *testing.T) *fakes {
	f := &fakes{mux: http.NewServeMux(), heroku: herokutest.New()}
	f.mux.Handle("api.heroku.com/", f.heroku)
	f.mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
		}
		method := r.PathValue("method")
		f.mu.Lock()
		f.calls = append(f.calls, call{Method: method, Args: testutil.UnmarshalJSON[map[string]any](t, b)})
		n := len(f.calls)
		f.mu.Unlock()

		switch method {
		case "getMe":
			w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Deploy","username":"tgdeploy_bot"}}`))
		case "getUpdates":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Millisecond):
			}
			w.Write([]byte(`{"ok":true,"result":[]}`))
		case "sendMessage":
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"chat":{"id":1}}}`, n)
		default:
			w.Write([]byte(`{"ok":true,"result":true}`))
		}
	})
	return f
}

func (f *fakes) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var methods []string
	for _, c := range f.calls {
		methods = append(methods, c.Method)
	}
	return methods
}

func (f *fakes) sent() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sent []call
	for _, c := range f.calls {
		if c.Method == "sendMessage" {
			sent = append(sent, c)
		}
	}
	return sent
}

func testEnv(t *testing.T, env map[string]string, args ...string) (*cli.Env, *bytes.Buffer) {
	t.Helper()
	var stdout bytes.Buffer
	return &cli.Env{
		Args:   args,
		Getenv: func(k string) string { return env[k] },
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: io.Discard,
	}, &stdout
}

func serveConfig(t *testing.T) map[string]string {
	return map[string]string{
		"TG_TOKEN":       tgToken,
		"TG_OWNER":       "1",
		"CHANNEL_ID":     "-100123",
		"HEROKU_API_KEY": "heroku-key",
		"DATABASE_URL":   "sqlite:" + filepath.Join(t.TempDir(), "tgdeploy.db"),
		"ADDR":           "localhost:0",
	}
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tgdeploy.db")
	env, _ := testEnv(t, map[string]string{"DATABASE_URL": path}, "migrate")
	if err := cli.Run(cli.WithEnv(t.Context(), env), new(app)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
	// Applying migrations again is a no-op.
	if err := cli.Run(cli.WithEnv(t.Context(), env), new(app)); err != nil {
		t.Fatal(err)
	}
}

func TestServe(t *testing.T) {
	t.Parallel()

	f := newFakes(t)
	ready := make(chan struct{})
	a := &app{
		httpc: testutil.MockHTTPClient(f.mux),
		ready: func() { close(ready) },
	}
	env, _ := testEnv(t, serveConfig(t), "serve")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- cli.Run(cli.WithEnv(ctx, env), a) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("serve failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the server")
	}
	deadline := time.Now().Add(10 * time.Second)
	for !slices.Contains(f.methods(), "getUpdates") {
		if time.Now().After(deadline) {
			t.Fatal("updates aren't polled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	methods := f.methods()
	testutil.AssertEqual(t, methods[:2], []string{"getMe", "deleteWebhook"})
}

func TestServeWebhook(t *testing.T) {
	t.Parallel()

	f := newFakes(t)
	ready := make(chan struct{})
	a := &app{
		httpc: testutil.MockHTTPClient(f.mux),
		ready: func() { close(ready) },
	}
	cfg := serveConfig(t)
	cfg["HOST"] = "deploy.example.com"
	cfg["TG_SECRET"] = "webhook-secret"
	env, _ := testEnv(t, cfg, "serve")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- cli.Run(cli.WithEnv(ctx, env), a) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("serve failed: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	testutil.AssertEqual(t, f.calls[1].Method, "setWebhook")
	testutil.AssertEqual(t, f.calls[1].Args["url"], "https://deploy.example.com/telegram")
	testutil.AssertEqual(t, f.calls[1].Args["secret_token"], "webhook-secret")
	for _, c := range f.calls {
		if c.Method == "getUpdates" {
			t.Fatal("updates are polled in webhook mode")
		}
	}
}

func TestServerMux(t *testing.T) {
	t.Parallel()

	f := newFakes(t)
	a := &app{httpc: testutil.MockHTTPClient(f.mux)}
	cfg := serveConfig(t)
	cfg["TG_SECRET"] = "webhook-secret"
	env, _ := testEnv(t, cfg)
	if err := a.loadConfig(env.Getenv); err != nil {
		t.Fatal(err)
	}
	s, err := a.newServer(cli.WithEnv(t.Context(), env))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.close)

	cases := map[string]struct {
		method   string
		path     string
		header   map[string]string
		body     string
		wantCode int
		wantBody string
	}{
		"health": {
			method:   http.MethodGet,
			path:     "/health",
			wantCode: http.StatusOK,
			wantBody: `"store"`,
		},
		"debug page": {
			method:   http.MethodGet,
			path:     "/debug/",
			wantCode: http.StatusOK,
			wantBody: "Pending waits",
		},
		"runtime metrics": {
			method:   http.MethodGet,
			path:     "/debug/statsviz/",
			wantCode: http.StatusOK,
		},
		"pending waits": {
			method:   http.MethodGet,
			path:     "/debug/waits",
			wantCode: http.StatusOK,
			wantBody: "[]",
		},
		"webhook without secret": {
			method:   http.MethodPost,
			path:     "/telegram",
			body:     `{"update_id":1}`,
			wantCode: http.StatusUnauthorized,
		},
		"webhook": {
			method:   http.MethodPost,
			path:     "/telegram",
			header:   map[string]string{"X-Telegram-Bot-Api-Secret-Token": "webhook-secret"},
			body:     `{"update_id":1}`,
			wantCode: http.StatusOK,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			s.mux.ServeHTTP(w, r)
			testutil.AssertEqual(t, w.Code, tc.wantCode)
			if !strings.Contains(w.Body.String(), tc.wantBody) {
				t.Fatalf("body %q doesn't contain %q", w.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestDebugAuth(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		host   string
		token  string
		header string
		want   bool
	}{
		"polling without token": {want: true},
		"webhook without token": {host: "deploy.example.com"},
		"right token":           {host: "deploy.example.com", token: "debug", header: "Bearer debug", want: true},
		"wrong token":           {token: "debug", header: "Bearer nope"},
		"no header":             {token: "debug"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := &app{host: tc.host, debugToken: tc.token}
			r := httptest.NewRequest(http.MethodGet, "/debug/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			testutil.AssertEqual(t, a.debugAuth(r), tc.want)
		})
	}
}

func TestSupervise(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}

	f := newFakes(t)
	a := &app{httpc: testutil.MockHTTPClient(f.mux)}
	env, stdout := testEnv(t, map[string]string{
		"TG_TOKEN":   tgToken,
		"TG_OWNER":   "1",
		"CHANNEL_ID": "-100123",
	}, "-name", "mybot-01", "-max-crashes", "1", "supervise", "--", "sh", "-c", "echo Bot connected")

	err := cli.Run(cli.WithEnv(t.Context(), env), a)
	if !errors.Is(err, supervisor.ErrGaveUp) {
		t.Fatalf("want supervisor.ErrGaveUp, got %v", err)
	}

	testutil.AssertEqual(t, stdout.String(), "Bot connected\n")
	sent := f.sent()
	testutil.AssertEqual(t, len(sent), 2)
	testutil.AssertEqual(t, sent[0].Args["chat_id"], float64(-100123))
	testutil.AssertEqual(t, sent[0].Args["text"], statusline.FormatConnected("mybot-01"))
	// The crash alert goes to the operator.
	testutil.AssertEqual(t, sent[1].Args["chat_id"], float64(1))
}

func TestClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	for _, verbose := range []bool{false, true} {
		t.Run(fmt.Sprintf("verbose=%v", verbose), func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			l := logger.New(&buf)
			a := &app{tgToken: "123:secret", verbose: verbose, httpc: srv.Client()}
			c := a.client(l, a.scrubber())

			resp, err := c.Get(srv.URL + "/bot123:secret/getMe")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			testutil.AssertEqual(t, strings.Contains(buf.String(), "http request"), verbose)
			if strings.Contains(buf.String(), "123:secret") {
				t.Errorf("log %q contains the token", buf.String())
			}
		})
	}
}
