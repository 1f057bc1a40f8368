// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rendezvous

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.astrophena.name/tgdeploy/internal/testutil"
)

var errLoggedOut = errors.New("logged out")

func TestOutcomes(t *testing.T) {
	t.Parallel()

	// Each case applies actions in order after Wait has started; the first
	// one wins.
	cases := map[string]struct {
		actions []string
		timeout time.Duration
		wantErr error
	}{
		"resolve":                 {actions: []string{"resolve"}, timeout: time.Minute},
		"reject":                  {actions: []string{"reject"}, timeout: time.Minute, wantErr: errLoggedOut},
		"timeout":                 {timeout: 10 * time.Millisecond, wantErr: ErrTimeout},
		"resolve then reject":     {actions: []string{"resolve", "reject"}, timeout: time.Minute},
		"reject then resolve":     {actions: []string{"reject", "resolve"}, timeout: time.Minute, wantErr: errLoggedOut},
		"resolve twice":           {actions: []string{"resolve", "resolve"}, timeout: time.Minute},
		"cancel then resolve":     {actions: []string{"cancel", "resolve"}, timeout: time.Minute, wantErr: context.Canceled},
		"timeout then resolve":    {actions: []string{"sleep", "resolve", "reject"}, timeout: 10 * time.Millisecond, wantErr: ErrTimeout},
		"clear then reject":       {actions: []string{"clear", "reject"}, timeout: time.Minute, wantErr: ErrCleared},
		"resolve before deadline": {actions: []string{"resolve", "sleep"}, timeout: 10 * time.Millisecond},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var (
				r       Registry
				doneCnt atomic.Int32
			)
			w, err := r.Register("levanter-app", func() { doneCnt.Add(1) })
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, r.Len(), 1)

			errc := make(chan error, 1)
			go func() { errc <- w.Wait(t.Context(), tc.timeout) }()

			for _, action := range tc.actions {
				switch action {
				case "resolve":
					r.Resolve("levanter-app")
				case "reject":
					r.Reject("levanter-app", errLoggedOut)
				case "cancel":
					w.Cancel()
				case "clear":
					r.Clear()
				case "sleep":
					time.Sleep(50 * time.Millisecond)
				}
			}

			err = <-errc
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Wait() = %v, want %v", err, tc.wantErr)
			}
			testutil.AssertEqual(t, doneCnt.Load(), int32(1))
			testutil.AssertEqual(t, r.Len(), 0)

			// Late signals are no-ops.
			testutil.AssertEqual(t, r.Resolve("levanter-app"), false)
			testutil.AssertEqual(t, r.Reject("levanter-app", errLoggedOut), false)
			w.Cancel()
			testutil.AssertEqual(t, doneCnt.Load(), int32(1))
		})
	}
}

func TestRace(t *testing.T) {
	t.Parallel()

	for range 50 {
		var (
			r       Registry
			doneCnt atomic.Int32
		)
		w, err := r.Register("levanter-app", func() { doneCnt.Add(1) })
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(4)
		go func() { defer wg.Done(); w.Wait(context.Background(), time.Millisecond) }()
		go func() { defer wg.Done(); r.Resolve("levanter-app") }()
		go func() { defer wg.Done(); r.Reject("levanter-app", errLoggedOut) }()
		go func() { defer wg.Done(); r.Clear() }()
		wg.Wait()

		<-w.Done()
		testutil.AssertEqual(t, doneCnt.Load(), int32(1))
		testutil.AssertEqual(t, r.Len(), 0)
	}
}

func TestContextCancel(t *testing.T) {
	t.Parallel()

	var r Registry
	w, err := r.Register("levanter-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := w.Wait(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	testutil.AssertEqual(t, r.Len(), 0)
}

func TestRegisterTwice(t *testing.T) {
	t.Parallel()

	var r Registry
	w, err := r.Register("levanter-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("levanter-app", nil); !errors.Is(err, ErrAlreadyWaiting) {
		t.Fatalf("want ErrAlreadyWaiting, got %v", err)
	}

	// Another application is independent.
	other, err := r.Register("other-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, r.Pending(), []string{"levanter-app", "other-app"})

	testutil.AssertEqual(t, r.Resolve("levanter-app"), true)
	if err := w.Wait(t.Context(), time.Minute); err != nil {
		t.Fatal(err)
	}

	// The name is free again once the wait finished.
	again, err := r.Register("levanter-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, again.App(), "levanter-app")

	// Finishing the old wait again doesn't remove the new one.
	w.Cancel()
	testutil.AssertEqual(t, r.Pending(), []string{"levanter-app", "other-app"})

	other.Cancel()
	again.Cancel()
	testutil.AssertEqual(t, r.Len(), 0)
}

func TestResolveWithoutWait(t *testing.T) {
	t.Parallel()

	var r Registry
	testutil.AssertEqual(t, r.Resolve("ghost-app"), false)
	testutil.AssertEqual(t, r.Reject("ghost-app", nil), false)
	testutil.AssertEqual(t, r.Len(), 0)
	testutil.AssertEqual(t, r.Pending(), []string{})
}

func TestSince(t *testing.T) {
	t.Parallel()

	var r Registry
	before := time.Now()
	w, err := r.Register("levanter-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	since, ok := r.Since("levanter-app")
	testutil.AssertEqual(t, ok, true)
	if since.Before(before) {
		t.Fatalf("Since() = %v, before registration at %v", since, before)
	}
	w.Cancel()
	_, ok = r.Since("levanter-app")
	testutil.AssertEqual(t, ok, false)
}

func TestRejectNilError(t *testing.T) {
	t.Parallel()

	var r Registry
	w, err := r.Register("levanter-app", nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Reject("levanter-app", nil)
	if err := w.Wait(t.Context(), time.Minute); err == nil {
		t.Fatal("want error")
	}
}
