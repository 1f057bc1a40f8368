// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package herokutest implements an in-memory fake of the Heroku Platform API
// for tests.
package herokutest

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.astrophena.name/tgdeploy/internal/heroku"
	"go.astrophena.name/tgdeploy/internal/testutil"
)

// LogHost is the host serving log sessions of the fake.
const LogHost = "logs.heroku.test"

// App is the state of a fake application.
type App struct {
	Name       string
	Config     map[string]string
	Addons     []string
	Buildpacks []string
	Dynos      []heroku.Dyno
	Logs       string
	Restarts   int
}

// Server is a fake Heroku Platform API. The zero value is not usable; call
// New.
type Server struct {
	// BuildPolls is the number of status requests after which a build
	// finishes. Zero means builds finish immediately.
	BuildPolls int
	// FailBuilds makes builds finish with the "failed" status.
	FailBuilds bool
	// Intercept, if set, is called before every request. If it returns true,
	// the request is considered handled.
	Intercept func(w http.ResponseWriter, r *http.Request) bool

	mu     sync.Mutex
	mux    *http.ServeMux
	apps   map[string]*App
	builds map[string]*build
	calls  []string
	nextID int
}

type build struct {
	app   string
	polls int
}

// New returns a new fake.
func New() *Server {
	s := &Server{
		apps:   make(map[string]*App),
		builds: make(map[string]*build),
		mux:    http.NewServeMux(),
	}
	const api = "api.heroku.com"
	s.mux.HandleFunc("POST "+api+"/apps", s.createApp)
	s.mux.HandleFunc("GET "+api+"/apps/{app}", s.withApp(s.getApp))
	s.mux.HandleFunc("DELETE "+api+"/apps/{app}", s.withApp(s.deleteApp))
	s.mux.HandleFunc("POST "+api+"/apps/{app}/addons", s.withApp(s.addAddon))
	s.mux.HandleFunc("PUT "+api+"/apps/{app}/buildpack-installations", s.withApp(s.setBuildpacks))
	s.mux.HandleFunc("GET "+api+"/apps/{app}/config-vars", s.withApp(s.getConfig))
	s.mux.HandleFunc("PATCH "+api+"/apps/{app}/config-vars", s.withApp(s.patchConfig))
	s.mux.HandleFunc("POST "+api+"/apps/{app}/builds", s.withApp(s.createBuild))
	s.mux.HandleFunc("GET "+api+"/apps/{app}/builds/{id}", s.withApp(s.getBuild))
	s.mux.HandleFunc("GET "+api+"/apps/{app}/dynos", s.withApp(s.listDynos))
	s.mux.HandleFunc("DELETE "+api+"/apps/{app}/dynos", s.withApp(s.restartDynos))
	s.mux.HandleFunc("POST "+api+"/apps/{app}/log-sessions", s.withApp(s.createLogSession))
	s.mux.HandleFunc("GET "+LogHost+"/{app}", s.withApp(s.getLogs))
	return s
}

// Client returns a Heroku client that talks to the fake.
func (s *Server) Client() *heroku.Client {
	return heroku.New(heroku.Config{
		APIKey:     "test-api-key",
		HTTPClient: testutil.MockHTTPClient(s),
	})
}

// AddApp adds an existing application.
func (s *Server) AddApp(app App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.Config == nil {
		app.Config = make(map[string]string)
	}
	s.apps[app.Name] = &app
}

// RemoveApp deletes an application without going through the API, like a
// deletion done from the Heroku dashboard.
func (s *Server) RemoveApp(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, name)
}

// App returns a copy of the application state.
func (s *Server) App(name string) (App, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[name]
	if !ok {
		return App{}, false
	}
	cp := *app
	cp.Config = maps.Clone(app.Config)
	cp.Addons = slices.Clone(app.Addons)
	cp.Buildpacks = slices.Clone(app.Buildpacks)
	cp.Dynos = slices.Clone(app.Dynos)
	return cp, true
}

// Calls returns the requests served so far as "METHOD /path" strings.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	intercept := s.Intercept
	s.mu.Unlock()

	if intercept != nil && intercept(w, r) {
		return
	}
	s.mux.ServeHTTP(w, r)
}

// WriteError writes a Platform API error response.
func WriteError(w http.ResponseWriter, code int, id, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"id": id, "message": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) withApp(h func(w http.ResponseWriter, r *http.Request, app *App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		app, ok := s.apps[r.PathValue("app")]
		if !ok {
			WriteError(w, http.StatusNotFound, "not_found", "Couldn't find that app.")
			return
		}
		h(w, r, app)
	}
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[req.Name]; ok {
		WriteError(w, http.StatusUnprocessableEntity, "invalid_params", "Name "+req.Name+" is already taken")
		return
	}
	app := &App{Name: req.Name, Config: make(map[string]string)}
	s.apps[req.Name] = app
	writeJSON(w, http.StatusCreated, s.appJSON(app))
}

func (s *Server) appJSON(app *App) heroku.App {
	return heroku.App{
		ID:        "app-" + app.Name,
		Name:      app.Name,
		WebURL:    "https://" + app.Name + ".herokuapp.com/",
		Stack:     heroku.Named{Name: "heroku-24"},
		Region:    heroku.Named{Name: "us"},
		CreatedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request, app *App) {
	writeJSON(w, http.StatusOK, s.appJSON(app))
}

func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request, app *App) {
	delete(s.apps, app.Name)
	writeJSON(w, http.StatusOK, s.appJSON(app))
}

func (s *Server) addAddon(w http.ResponseWriter, r *http.Request, app *App) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	app.Addons = append(app.Addons, req.Plan)
	writeJSON(w, http.StatusCreated, map[string]any{"plan": map[string]string{"name": req.Plan}})
}

func (s *Server) setBuildpacks(w http.ResponseWriter, r *http.Request, app *App) {
	var req struct {
		Updates []struct {
			Buildpack string `json:"buildpack"`
		} `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	app.Buildpacks = nil
	for _, u := range req.Updates {
		app.Buildpacks = append(app.Buildpacks, u.Buildpack)
	}
	writeJSON(w, http.StatusOK, req.Updates)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request, app *App) {
	writeJSON(w, http.StatusOK, app.Config)
}

func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request, app *App) {
	var req map[string]*string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	for k, v := range req {
		if v == nil {
			delete(app.Config, k)
			continue
		}
		app.Config[k] = *v
	}
	writeJSON(w, http.StatusOK, app.Config)
}

func (s *Server) createBuild(w http.ResponseWriter, r *http.Request, app *App) {
	s.nextID++
	id := fmt.Sprintf("build-%d", s.nextID)
	s.builds[id] = &build{app: app.Name}
	writeJSON(w, http.StatusCreated, heroku.Build{ID: id, Status: heroku.BuildPending})
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request, app *App) {
	b, ok := s.builds[r.PathValue("id")]
	if !ok || b.app != app.Name {
		WriteError(w, http.StatusNotFound, "not_found", "Couldn't find that build.")
		return
	}
	b.polls++

	status := heroku.BuildPending
	if b.polls >= s.BuildPolls {
		status = heroku.BuildSucceeded
		if s.FailBuilds {
			status = heroku.BuildFailed
		}
	}
	if status == heroku.BuildSucceeded && len(app.Dynos) == 0 {
		app.Dynos = []heroku.Dyno{{Name: "worker.1", Type: "worker", State: "up", Command: "npm start"}}
	}
	writeJSON(w, http.StatusOK, heroku.Build{ID: r.PathValue("id"), Status: status})
}

func (s *Server) listDynos(w http.ResponseWriter, r *http.Request, app *App) {
	dynos := app.Dynos
	if dynos == nil {
		dynos = []heroku.Dyno{}
	}
	writeJSON(w, http.StatusOK, dynos)
}

func (s *Server) restartDynos(w http.ResponseWriter, r *http.Request, app *App) {
	app.Restarts++
	writeJSON(w, http.StatusAccepted, struct{}{})
}

func (s *Server) createLogSession(w http.ResponseWriter, r *http.Request, app *App) {
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":          "log-session",
		"logplex_url": "https://" + LogHost + "/" + app.Name,
	})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request, app *App) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, app.Logs)
}
