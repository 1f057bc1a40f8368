// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package heroku_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/heroku/herokutest"
	"go.astrophena.name/tgdeploy/internal/testutil"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()

	fake := herokutest.New()
	fake.BuildPolls = 2
	c := fake.Client()
	ctx := t.Context()

	app, err := c.CreateApp(ctx, "levanter-test")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, app.Name, "levanter-test")

	if _, err := c.CreateApp(ctx, "levanter-test"); !errors.Is(err, heroku.ErrNameTaken) {
		t.Fatalf("CreateApp(duplicate): want ErrNameTaken, got %v", err)
	}

	if err := c.InstallAddons(ctx, "levanter-test", "heroku-postgresql:essential-0"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetBuildpacks(ctx, "levanter-test", "heroku/nodejs", "https://github.com/jonathanong/heroku-buildpack-ffmpeg-latest"); err != nil {
		t.Fatal(err)
	}

	vars, err := c.PatchConfig(ctx, "levanter-test", map[string]string{"SESSION_ID": "levanter_123", "PREFIX": "."})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, vars, map[string]string{"SESSION_ID": "levanter_123", "PREFIX": "."})

	// Patching keeps unspecified keys.
	vars, err = c.PatchConfig(ctx, "levanter-test", map[string]string{"PREFIX": "!"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, vars, map[string]string{"SESSION_ID": "levanter_123", "PREFIX": "!"})

	if err := c.UnsetConfig(ctx, "levanter-test", "PREFIX"); err != nil {
		t.Fatal(err)
	}
	vars, err = c.Config(ctx, "levanter-test")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, vars, map[string]string{"SESSION_ID": "levanter_123"})

	build, err := c.CreateBuild(ctx, "levanter-test", "https://example.com/source.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, build.Status, heroku.BuildPending)

	var statuses []string
	for range 2 {
		b, err := c.Build(ctx, "levanter-test", build.ID)
		if err != nil {
			t.Fatal(err)
		}
		statuses = append(statuses, b.Status)
	}
	testutil.AssertEqual(t, statuses, []string{heroku.BuildPending, heroku.BuildSucceeded})

	dynos, err := c.Dynos(ctx, "levanter-test")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(dynos), 1)
	testutil.AssertEqual(t, dynos[0].State, "up")

	if err := c.RestartDynos(ctx, "levanter-test"); err != nil {
		t.Fatal(err)
	}

	state, _ := fake.App("levanter-test")
	testutil.AssertEqual(t, state.Restarts, 1)
	testutil.AssertEqual(t, state.Addons, []string{"heroku-postgresql:essential-0"})
	testutil.AssertEqual(t, state.Buildpacks, []string{"heroku/nodejs", "https://github.com/jonathanong/heroku-buildpack-ffmpeg-latest"})

	if err := c.DeleteApp(ctx, "levanter-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetApp(ctx, "levanter-test"); !errors.Is(err, heroku.ErrNotFound) {
		t.Fatalf("GetApp(deleted): want ErrNotFound, got %v", err)
	}
}

func TestLogs(t *testing.T) {
	t.Parallel()

	fake := herokutest.New()
	fake.AddApp(herokutest.App{Name: "levanter-logs", Logs: "line 1\nline 2\n"})

	logs, err := fake.Client().Logs(t.Context(), "levanter-logs", 100)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, logs, "line 1\nline 2\n")
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	c := herokutest.New().Client()
	ctx := t.Context()

	for name, call := range map[string]func() error{
		"GetApp":       func() error { _, err := c.GetApp(ctx, "missing"); return err },
		"DeleteApp":    func() error { return c.DeleteApp(ctx, "missing") },
		"Config":       func() error { _, err := c.Config(ctx, "missing"); return err },
		"Dynos":        func() error { _, err := c.Dynos(ctx, "missing"); return err },
		"RestartDynos": func() error { return c.RestartDynos(ctx, "missing") },
		"Logs":         func() error { _, err := c.Logs(ctx, "missing", 10); return err },
		"CreateBuild":  func() error { _, err := c.CreateBuild(ctx, "missing", "https://example.com"); return err },
	} {
		t.Run(name, func(t *testing.T) {
			err := call()
			if !errors.Is(err, heroku.ErrNotFound) {
				t.Fatalf("want ErrNotFound, got %v", err)
			}
			if errors.Is(err, heroku.ErrNameTaken) {
				t.Fatal("not found error must not match ErrNameTaken")
			}
		})
	}
}

func TestRequest(t *testing.T) {
	t.Parallel()

	var (
		gotAuth   string
		gotAccept string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET api.heroku.com/apps/{app}", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"name": "` + r.PathValue("app") + `"}`))
	})

	c := heroku.New(heroku.Config{APIKey: "secret", HTTPClient: testutil.MockHTTPClient(mux)})
	app, err := c.GetApp(t.Context(), "levanter-app")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, app.Name, "levanter-app")
	testutil.AssertEqual(t, gotAuth, "Bearer secret")
	testutil.AssertEqual(t, gotAccept, "application/vnd.heroku+json; version=3")
}

func TestErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status      int
		body        string
		wantErrs    []error
		wantNotErrs []error
		wantInError string
	}{
		"not found": {
			status:      http.StatusNotFound,
			body:        `{"id":"not_found","message":"Couldn't find that app."}`,
			wantErrs:    []error{heroku.ErrNotFound},
			wantNotErrs: []error{heroku.ErrNameTaken},
			wantInError: "Couldn't find that app.",
		},
		"name taken": {
			status:      http.StatusUnprocessableEntity,
			body:        `{"id":"invalid_params","message":"Name is already taken"}`,
			wantErrs:    []error{heroku.ErrNameTaken},
			wantNotErrs: []error{heroku.ErrNotFound},
			wantInError: "invalid_params",
		},
		"other validation error": {
			status:      http.StatusUnprocessableEntity,
			body:        `{"id":"invalid_params","message":"Name must start with a letter"}`,
			wantNotErrs: []error{heroku.ErrNotFound, heroku.ErrNameTaken},
			wantInError: "must start with a letter",
		},
		"not JSON": {
			status:      http.StatusBadGateway,
			body:        `<html>oops</html>`,
			wantNotErrs: []error{heroku.ErrNotFound, heroku.ErrNameTaken},
			wantInError: "bad gateway",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("POST api.heroku.com/apps", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			c := heroku.New(heroku.Config{APIKey: "secret", HTTPClient: testutil.MockHTTPClient(mux)})

			_, err := c.CreateApp(t.Context(), "levanter-app")
			if err == nil {
				t.Fatal("want error")
			}
			for _, want := range tc.wantErrs {
				if !errors.Is(err, want) {
					t.Errorf("errors.Is(%v, %v) = false", err, want)
				}
			}
			for _, notWant := range tc.wantNotErrs {
				if errors.Is(err, notWant) {
					t.Errorf("errors.Is(%v, %v) = true", err, notWant)
				}
			}
			if !strings.Contains(err.Error(), tc.wantInError) {
				t.Errorf("error %q doesn't contain %q", err, tc.wantInError)
			}
			var herr *heroku.Error
			if !errors.As(err, &herr) {
				t.Fatalf("want *heroku.Error, got %T", err)
			}
			testutil.AssertEqual(t, herr.StatusCode, tc.status)
		})
	}
}

func TestScrubsAPIKey(t *testing.T) {
	t.Parallel()

	c := heroku.New(heroku.Config{
		APIKey: "supersecret",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("dial failed for key supersecret")
		})},
	})
	_, err := c.GetApp(t.Context(), "levanter-app")
	if err == nil {
		t.Fatal("want error")
	}
	if strings.Contains(err.Error(), "supersecret") {
		t.Fatalf("error %q contains the API key", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
