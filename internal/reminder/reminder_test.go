// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package reminder

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/tgdeploy/internal/deploy"
	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/heroku/herokutest"
	"go.astrophena.name/tgdeploy/internal/store"
	"go.astrophena.name/tgdeploy/internal/telegram"
	"go.astrophena.name/tgdeploy/internal/testutil"
)

var now = time.Date(2025, time.May, 10, 12, 0, 0, 0, time.UTC)

type sent struct {
	chatID int64
	text   string
	kb     telegram.Keyboard
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{chatID, text, kb})
	return int64(len(r.msgs)), nil
}

func (r *recorder) Edit(ctx context.Context, chatID, messageID int64, text string, kb telegram.Keyboard) error {
	return nil
}

func (r *recorder) Delete(ctx context.Context, chatID, messageID int64) error { return nil }

func (r *recorder) sentTo(chatID int64) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msgs []sent
	for _, m := range r.msgs {
		if m.chatID == chatID {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

type app struct {
	owner int64
	alert string
	state string
	gone  bool
}

func setup(t *testing.T, apps map[string]app) (*Sweeper, *herokutest.Server, *recorder, store.Store) {
	t.Helper()
	st, err := store.Open(t.Context(), "sqlite::memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fake := herokutest.New()
	for name, a := range apps {
		if err := st.UpsertOwnership(t.Context(), store.Ownership{UserID: a.owner, App: name, Session: "sessionid1234567890"}); err != nil {
			t.Fatal(err)
		}
		if a.gone {
			continue
		}
		vars := map[string]string{"PREFIX": "."}
		if a.alert != "" {
			vars[deploy.VarLastLogoutAlert] = a.alert
		}
		fake.AddApp(herokutest.App{
			Name:   name,
			Config: vars,
			Dynos:  []heroku.Dyno{{Name: "worker.1", Type: "worker", State: a.state}},
		})
	}

	rec := &recorder{}
	client := fake.Client()
	svc := deploy.New(deploy.Options{Platform: client, Notifier: rec, Store: st})
	t.Cleanup(svc.Close)

	return &Sweeper{
		Store:    st,
		Platform: client,
		Cleaner:  svc,
		Notifier: rec,
		Now:      func() time.Time { return now },
	}, fake, rec, st
}

func ago(d time.Duration) string { return now.Add(-d).Format(time.RFC3339) }

func TestSweep(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		app        app
		wantStats  Stats
		wantRemind bool
	}{
		"logged out and crashed": {
			app:        app{owner: 10, alert: ago(25 * time.Hour), state: "crashed"},
			wantStats:  Stats{Checked: 1, Reminded: 1},
			wantRemind: true,
		},
		"reminded recently": {
			app:       app{owner: 10, alert: ago(23 * time.Hour), state: "crashed"},
			wantStats: Stats{Checked: 1},
		},
		"exactly a day": {
			app:       app{owner: 10, alert: ago(24 * time.Hour), state: "crashed"},
			wantStats: Stats{Checked: 1},
		},
		"running again": {
			app:       app{owner: 10, alert: ago(48 * time.Hour), state: "up"},
			wantStats: Stats{Checked: 1},
		},
		"never logged out": {
			app:       app{owner: 10, state: "crashed"},
			wantStats: Stats{Checked: 1},
		},
		"unparsable alert time": {
			app:        app{owner: 10, alert: "yesterday", state: "idle"},
			wantStats:  Stats{Checked: 1, Reminded: 1},
			wantRemind: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			const appName = "levanter-1"
			s, fake, rec, _ := setup(t, map[string]app{appName: tc.app})

			stats, err := s.Sweep(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, stats, tc.wantStats)

			msgs := rec.sentTo(tc.app.owner)
			if !tc.wantRemind {
				testutil.AssertEqual(t, len(msgs), 0)
				return
			}
			testutil.AssertEqual(t, len(msgs), 1)
			testutil.AssertEqual(t, msgs[0].kb, telegram.Row(deploy.UpdateSessionButton(appName)))
			if !strings.Contains(msgs[0].text, "still logged out") {
				t.Fatalf("unexpected reminder: %q", msgs[0].text)
			}

			// The reminder time is refreshed, so the next sweep is quiet.
			a, _ := fake.App(appName)
			testutil.AssertEqual(t, a.Config[deploy.VarLastLogoutAlert], now.Format(time.RFC3339))
			stats, err = s.Sweep(t.Context())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, stats, Stats{Checked: 1})
		})
	}
}

func TestSweepRemovesGoneApps(t *testing.T) {
	t.Parallel()
	s, _, rec, st := setup(t, map[string]app{
		"oldbot-1": {owner: 10, gone: true},
		"alive-01": {owner: 20, alert: ago(30 * time.Hour), state: "crashed"},
		"alive-02": {owner: 20, state: "up"},
	})

	stats, err := s.Sweep(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, stats, Stats{Checked: 3, Reminded: 1, Gone: 1})

	if _, err := st.FindOwner(t.Context(), "oldbot-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ownership removed, got %v", err)
	}
	msgs := rec.sentTo(10)
	testutil.AssertEqual(t, len(msgs), 1)
	if !strings.Contains(msgs[0].text, "no longer exists") {
		t.Fatalf("unexpected notice: %q", msgs[0].text)
	}
	testutil.AssertEqual(t, len(rec.sentTo(20)), 1)
}

func TestSweepFailures(t *testing.T) {
	t.Parallel()
	s, fake, rec, st := setup(t, map[string]app{
		"broken-1": {owner: 10, alert: ago(30 * time.Hour), state: "crashed"},
	})
	fake.Intercept = func(w http.ResponseWriter, r *http.Request) bool {
		herokutest.WriteError(w, http.StatusServiceUnavailable, "unavailable", "Try again later.")
		return true
	}

	stats, err := s.Sweep(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, stats, Stats{Checked: 1, Failed: 1})
	testutil.AssertEqual(t, len(rec.sentTo(10)), 0)
	if _, err := st.FindOwner(t.Context(), "broken-1"); err != nil {
		t.Fatalf("ownership removed on a transient error: %v", err)
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	s, _, rec, _ := setup(t, map[string]app{
		"levanter-1": {owner: 10, alert: ago(30 * time.Hour), state: "crashed"},
	})
	s.Period = time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for len(rec.sentTo(10)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reminder was sent")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// The refreshed time keeps the following sweeps quiet.
	testutil.AssertEqual(t, len(rec.sentTo(10)), 1)
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	var s Sweeper
	testutil.AssertEqual(t, s.interval(), 24*time.Hour)
	testutil.AssertEqual(t, s.period(), time.Hour)
}
