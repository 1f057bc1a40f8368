// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rendezvous pairs in-flight operations with the out-of-band signal
// that confirms their outcome.
//
// An operation registers a [Wait] for an application name and blocks in
// [Wait.Wait]. A signal handler resolves or rejects it by name. Whatever
// happens first among resolution, rejection, timeout and cancellation wins;
// the wait is removed from the registry and its done callback runs exactly
// once.
package rendezvous

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	// ErrAlreadyWaiting is returned by Register when a wait for the same
	// application is in flight.
	ErrAlreadyWaiting = errors.New("already waiting for this application")
	// ErrTimeout is returned by Wait when the timeout elapses first.
	ErrTimeout = errors.New("timed out waiting for the application")
	// ErrCleared is returned by Wait when the registry was cleared.
	ErrCleared = errors.New("wait was cancelled")
)

// Registry is a set of waits keyed by application name. The zero value is
// ready to use.
type Registry struct {
	mu    sync.Mutex
	waits map[string]*Wait
}

// Wait is a pending wait for an outcome signal.
type Wait struct {
	r      *Registry
	app    string
	since  time.Time
	onDone func()

	once sync.Once
	done chan struct{}
	err  error // set before done is closed
}

// Register registers a wait for app. onDone, if not nil, is called exactly
// once when the wait finishes for any reason.
func (r *Registry) Register(app string, onDone func()) (*Wait, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waits[app]; ok {
		return nil, ErrAlreadyWaiting
	}
	if r.waits == nil {
		r.waits = make(map[string]*Wait)
	}
	w := &Wait{
		r:      r,
		app:    app,
		since:  time.Now(),
		onDone: onDone,
		done:   make(chan struct{}),
	}
	r.waits[app] = w
	return w, nil
}

// Resolve finishes the wait for app successfully. It reports whether there
// was a wait to finish.
func (r *Registry) Resolve(app string) bool {
	return r.finish(app, nil)
}

// Reject finishes the wait for app with err. It reports whether there was a
// wait to finish.
func (r *Registry) Reject(app string, err error) bool {
	if err == nil {
		err = errors.New("rejected")
	}
	return r.finish(app, err)
}

func (r *Registry) finish(app string, err error) bool {
	r.mu.Lock()
	w, ok := r.waits[app]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return w.finish(err)
}

// Pending returns the names of applications with waits in flight, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	apps := make([]string, 0, len(r.waits))
	for app := range r.waits {
		apps = append(apps, app)
	}
	slices.Sort(apps)
	return apps
}

// Since returns when the wait for app was registered.
func (r *Registry) Since(app string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waits[app]
	if !ok {
		return time.Time{}, false
	}
	return w.since, true
}

// Len returns the number of waits in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

// Clear finishes all waits with ErrCleared.
func (r *Registry) Clear() {
	r.mu.Lock()
	waits := make([]*Wait, 0, len(r.waits))
	for _, w := range r.waits {
		waits = append(waits, w)
	}
	r.mu.Unlock()
	for _, w := range waits {
		w.finish(ErrCleared)
	}
}

// App returns the application name of the wait.
func (w *Wait) App() string { return w.app }

// Done returns a channel that is closed when the wait finishes.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Wait blocks until the wait is resolved, rejected, the timeout elapses or ctx
// is done, and returns nil on resolution or the error that finished the wait.
func (w *Wait) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.finish(ErrTimeout)
	case <-ctx.Done():
		w.finish(ctx.Err())
	}
	<-w.done
	return w.err
}

// Cancel finishes the wait with context.Canceled unless it has already
// finished.
func (w *Wait) Cancel() { w.finish(context.Canceled) }

func (w *Wait) finish(err error) bool {
	finished := false
	w.once.Do(func() {
		w.r.mu.Lock()
		if w.r.waits[w.app] == w {
			delete(w.r.waits, w.app)
		}
		w.r.mu.Unlock()

		w.err = err
		close(w.done)
		if w.onDone != nil {
			w.onDone()
		}
		finished = true
	})
	return finished
}
