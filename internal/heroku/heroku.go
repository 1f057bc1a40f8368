// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package heroku implements a minimal client for the Heroku Platform API that
// covers application lifecycle, configuration, builds, dynos and logs.
package heroku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.astrophena.name/tgdeploy/internal/request"
)

// DefaultURL is the base URL of the Heroku Platform API.
const DefaultURL = "https://api.heroku.com"

var (
	// ErrNotFound is matched by errors returned for missing applications or
	// other resources.
	ErrNotFound = errors.New("not found")
	// ErrNameTaken is matched by errors returned by CreateApp when the name is
	// already in use.
	ErrNameTaken = errors.New("name is already taken")
)

// Build statuses.
const (
	BuildPending   = "pending"
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
)

// Error is an error response of the Platform API.
type Error struct {
	StatusCode int    `json:"-"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("heroku: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("heroku: %s (%s)", e.Message, e.ID)
}

// Is reports whether e matches ErrNotFound or ErrNameTaken.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.ID == "not_found"
	case ErrNameTaken:
		return e.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(e.Message), "already taken")
	}
	return false
}

// App is a Heroku application.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WebURL    string    `json:"web_url"`
	Stack     Named     `json:"stack"`
	Region    Named     `json:"region"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Named is a reference to a named resource.
type Named struct {
	Name string `json:"name"`
}

// Build is a build of an application.
type Build struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Dyno is a running process of an application.
type Dyno struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
	// Command is the command the dyno is running.
	Command string `json:"command"`
}

// Config configures a Client.
type Config struct {
	// APIKey is the Heroku API key.
	APIKey string
	// BaseURL overrides DefaultURL.
	BaseURL    string
	HTTPClient *http.Client
	// Scrubber removes secrets from errors. If nil, the API key is scrubbed.
	Scrubber *strings.Replacer
}

// Client makes requests to the Heroku Platform API.
type Client struct {
	apiKey   string
	baseURL  string
	httpc    *http.Client
	scrubber *strings.Replacer
}

// New returns a new Client.
func New(cfg Config) *Client {
	c := &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultURL
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.scrubber == nil && c.apiKey != "" {
		c.scrubber = strings.NewReplacer(c.apiKey, "[EXPUNGED]")
	}
	return c
}

// CreateApp creates an application named name.
func (c *Client) CreateApp(ctx context.Context, name string) (App, error) {
	return call[App](ctx, c, http.MethodPost, "/apps", map[string]string{"name": name})
}

// GetApp returns the application named name.
func (c *Client) GetApp(ctx context.Context, name string) (App, error) {
	return call[App](ctx, c, http.MethodGet, appPath(name), nil)
}

// DeleteApp deletes the application named name.
func (c *Client) DeleteApp(ctx context.Context, name string) error {
	_, err := call[request.IgnoreResponse](ctx, c, http.MethodDelete, appPath(name), nil)
	return err
}

// InstallAddons provisions the add-on plans on the application.
func (c *Client) InstallAddons(ctx context.Context, app string, plans ...string) error {
	for _, plan := range plans {
		if _, err := call[request.IgnoreResponse](ctx, c, http.MethodPost, appPath(app)+"/addons", map[string]string{"plan": plan}); err != nil {
			return fmt.Errorf("installing add-on %q: %w", plan, err)
		}
	}
	return nil
}

// SetBuildpacks replaces the buildpacks of the application, keeping their
// order.
func (c *Client) SetBuildpacks(ctx context.Context, app string, buildpacks ...string) error {
	type update struct {
		Buildpack string `json:"buildpack"`
	}
	body := struct {
		Updates []update `json:"updates"`
	}{Updates: make([]update, 0, len(buildpacks))}
	for _, bp := range buildpacks {
		body.Updates = append(body.Updates, update{Buildpack: bp})
	}
	_, err := call[request.IgnoreResponse](ctx, c, http.MethodPut, appPath(app)+"/buildpack-installations", body)
	return err
}

// PatchConfig merges vars into the config vars of the application and returns
// the resulting set. Variables not present in vars are kept.
func (c *Client) PatchConfig(ctx context.Context, app string, vars map[string]string) (map[string]string, error) {
	return call[map[string]string](ctx, c, http.MethodPatch, appPath(app)+"/config-vars", vars)
}

// UnsetConfig removes config vars of the application.
func (c *Client) UnsetConfig(ctx context.Context, app string, keys ...string) error {
	body := make(map[string]*string, len(keys))
	for _, k := range keys {
		body[k] = nil
	}
	_, err := call[request.IgnoreResponse](ctx, c, http.MethodPatch, appPath(app)+"/config-vars", body)
	return err
}

// Config returns the config vars of the application.
func (c *Client) Config(ctx context.Context, app string) (map[string]string, error) {
	return call[map[string]string](ctx, c, http.MethodGet, appPath(app)+"/config-vars", nil)
}

// CreateBuild starts a build of the application from the source tarball at
// sourceURL.
func (c *Client) CreateBuild(ctx context.Context, app, sourceURL string) (Build, error) {
	body := map[string]any{
		"source_blob": map[string]string{"url": sourceURL},
	}
	return call[Build](ctx, c, http.MethodPost, appPath(app)+"/builds", body)
}

// Build returns the build of the application with the provided ID.
func (c *Client) Build(ctx context.Context, app, id string) (Build, error) {
	return call[Build](ctx, c, http.MethodGet, appPath(app)+"/builds/"+url.PathEscape(id), nil)
}

// Dynos lists the dynos of the application.
func (c *Client) Dynos(ctx context.Context, app string) ([]Dyno, error) {
	return call[[]Dyno](ctx, c, http.MethodGet, appPath(app)+"/dynos", nil)
}

// RestartDynos restarts all dynos of the application.
func (c *Client) RestartDynos(ctx context.Context, app string) error {
	_, err := call[request.IgnoreResponse](ctx, c, http.MethodDelete, appPath(app)+"/dynos", nil)
	return err
}

// Logs returns up to lines most recent log lines of the application.
func (c *Client) Logs(ctx context.Context, app string, lines int) (string, error) {
	session, err := call[struct {
		LogplexURL string `json:"logplex_url"`
	}](ctx, c, http.MethodPost, appPath(app)+"/log-sessions", map[string]any{"lines": lines, "tail": false})
	if err != nil {
		return "", err
	}
	if session.LogplexURL == "" {
		return "", errors.New("heroku: log session has no URL")
	}

	logs, err := request.Make[request.Raw](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        session.LogplexURL,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return "", err
	}
	return string(logs), nil
}

func appPath(name string) string { return "/apps/" + url.PathEscape(name) }

func call[Response any](ctx context.Context, c *Client, method, path string, body any) (Response, error) {
	resp, err := request.Make[Response](ctx, request.Params{
		Method: method,
		URL:    c.baseURL + path,
		Headers: map[string]string{
			"Accept":        "application/vnd.heroku+json; version=3",
			"Authorization": "Bearer " + c.apiKey,
		},
		Body:       body,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err == nil {
		return resp, nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		herr := &Error{StatusCode: statusErr.StatusCode}
		if json.Unmarshal(statusErr.Body, herr) != nil || herr.Message == "" {
			herr.Message = strings.ToLower(http.StatusText(statusErr.StatusCode))
		}
		return resp, fmt.Errorf("%s %s: %w", method, path, herr)
	}
	return resp, err
}
