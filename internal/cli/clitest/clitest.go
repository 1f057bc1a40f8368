// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest runs table-driven tests of command-line applications built
// with package cli.
package clitest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.astrophena.name/tgdeploy/internal/cli"
)

// Case is a single invocation of the application.
type Case[App cli.App] struct {
	// Args are the command-line arguments.
	Args []string
	// Env are the environment variables visible to the application. Nothing
	// else from the process environment leaks in.
	Env map[string]string
	// WantErr, if set, must match the returned error with errors.Is.
	WantErr error
	// WantErrText, if set, must be a substring of the returned error.
	WantErrText string
	// WantInStdout, if set, must be a substring of standard output.
	WantInStdout string
	// WantInStderr, if set, must be a substring of standard error.
	WantInStderr string
	// CheckFunc, if set, inspects the application after it has run.
	CheckFunc func(*testing.T, App)
}

// Run runs each case against a fresh application returned by setup. Cases run
// in parallel.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)
			var stdout, stderr bytes.Buffer
			env := &cli.Env{
				Args:   tc.Args,
				Getenv: func(name string) string { return tc.Env[name] },
				Stdin:  strings.NewReader(""),
				Stdout: &stdout,
				Stderr: &stderr,
			}
			err := cli.Run(cli.WithEnv(context.Background(), env), app)

			wantFail := tc.WantErr != nil || tc.WantErrText != ""
			switch {
			case err == nil && wantFail:
				t.Fatalf("must fail, want %v %q", tc.WantErr, tc.WantErrText)
			case err != nil && !wantFail:
				t.Fatalf("unexpected error: %v", err)
			case err != nil && tc.WantErr != nil && !errors.Is(err, tc.WantErr):
				t.Fatalf("got error %v, want %v", err, tc.WantErr)
			case err != nil && !strings.Contains(err.Error(), tc.WantErrText):
				t.Fatalf("error %q doesn't contain %q", err, tc.WantErrText)
			}

			if !strings.Contains(stdout.String(), tc.WantInStdout) {
				t.Errorf("stdout must contain %q, got: %q", tc.WantInStdout, stdout.String())
			}
			if !strings.Contains(stderr.String(), tc.WantInStderr) {
				t.Errorf("stderr must contain %q, got: %q", tc.WantInStderr, stderr.String())
			}

			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}
