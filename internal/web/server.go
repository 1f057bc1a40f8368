// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Middleware wraps an [http.Handler].
type Middleware func(http.Handler) http.Handler

// Server is used to configure the HTTP server started by
// [Server.ListenAndServe].
//
// All fields of Server can't be modified after [Server.ListenAndServe]
// is called.
type Server struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Mux is a http.ServeMux to serve.
	Mux *http.ServeMux
	// Logger specifies a logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// Debuggable specifies whether to register debug handlers at /debug/.
	Debuggable bool
	// DebugAuth is an optional function that's invoked on every request to
	// debug handlers at /debug/ to allow or deny access to them. If not
	// provided, all access is allowed.
	DebugAuth func(r *http.Request) bool
	// Middleware is a list of middlewares applied to all requests, outermost
	// first.
	Middleware []Middleware
	// Ready is called, if not nil, when the server starts accepting
	// connections.
	Ready func()
}

var (
	errNoAddr = errors.New("server.Addr is empty")
	errNilMux = errors.New("server.Mux is nil")
)

// ListenAndServe starts the HTTP server and blocks until ctx is canceled or
// the server fails. On cancellation, the server is gracefully shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer l.Close()
	log.Info("listening", "addr", l.Addr().String())

	Health(s.Mux)
	if s.Debuggable {
		Debugger(s.Mux)
	}

	var handler http.Handler = s.Mux
	handler = s.protectDebug(handler)
	for i := len(s.Middleware) - 1; i >= 0; i-- {
		handler = s.Middleware[i](handler)
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.Ready != nil {
		s.Ready()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) protectDebug(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/debug/") || s.DebugAuth == nil {
			next.ServeHTTP(w, r)
			return
		}
		// If access denied, pretend that debug endpoints don't exist.
		if !s.DebugAuth(r) {
			RespondJSONError(w, r, ErrNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
