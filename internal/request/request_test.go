// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package request_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.astrophena.name/tgdeploy/internal/request"
	"go.astrophena.name/tgdeploy/internal/testutil"
)

func TestMake(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/test":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"message": "success"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/created":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"message": "created"}`))
		case r.URL.Path == "/text":
			w.Write([]byte("plain text"))
		default:
			http.Error(w, "invalid request", http.StatusBadRequest)
		}
	}))
	defer ts.Close()

	cases := map[string]struct {
		params  request.Params
		want    string
		wantErr bool
	}{
		"successful request": {
			params: request.Params{
				Method: http.MethodPost,
				URL:    ts.URL + "/test",
				Body:   map[string]string{"key": "value"},
			},
			want: `{"message": "success"}`,
		},
		"created status is success": {
			params: request.Params{
				Method: http.MethodPost,
				URL:    ts.URL + "/created",
			},
			want: `{"message": "created"}`,
		},
		"custom HTTP client": {
			params: request.Params{
				Method:     http.MethodPost,
				URL:        ts.URL + "/test",
				HTTPClient: &http.Client{},
			},
			want: `{"message": "success"}`,
		},
		"invalid request path": {
			params: request.Params{
				Method: http.MethodPost,
				URL:    ts.URL + "/invalid",
			},
			wantErr: true,
		},
		"invalid value for JSON": {
			params: request.Params{
				Method: http.MethodPost,
				URL:    ts.URL + "/test",
				Body:   make(chan int),
			},
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := request.Make[json.RawMessage](context.Background(), tc.params)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got none")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, string(resp), tc.want)
		})
	}
}

func TestMakeRaw(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("2025-01-01 app[web.1]: hello"))
	}))
	defer ts.Close()

	b, err := request.Make[request.Raw](context.Background(), request.Params{
		Method: http.MethodGet,
		URL:    ts.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "2025-01-01 app[web.1]: hello")
}

func TestStatusErrorScrubbed(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"id": "not_found"}`))
	}))
	defer ts.Close()

	_, err := request.Make[request.IgnoreResponse](context.Background(), request.Params{
		Method:   http.MethodGet,
		URL:      ts.URL + "/secret-token/thing",
		Scrubber: strings.NewReplacer("secret-token", "[EXPUNGED]"),
	})
	var se *request.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("want *request.StatusError, got %T", err)
	}
	testutil.AssertEqual(t, se.StatusCode, http.StatusNotFound)
	testutil.AssertEqual(t, string(se.Body), `{"id": "not_found"}`)
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error %q is not scrubbed", err)
	}
}
