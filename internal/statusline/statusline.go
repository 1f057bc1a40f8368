// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package statusline parses the status lines that supervised bot processes
// post to the broadcast channel.
//
// Two lines are recognized:
//
//	User [name] has logged out.
//	✅ [name] connected.
//
// Matching is case-insensitive and tolerates newlines between words, a
// leading status glyph and trailing text.
package statusline

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the kind of a status event.
type Kind int

// Status event kinds.
const (
	Unrecognized Kind = iota
	Logout
	Connected
)

func (k Kind) String() string {
	switch k {
	case Logout:
		return "logout"
	case Connected:
		return "connected"
	default:
		return "unrecognized"
	}
}

// Event is a parsed status line.
type Event struct {
	Kind Kind
	// App is the application name, lowercased. Empty for Unrecognized
	// events.
	App string
}

func (e Event) String() string {
	if e.Kind == Unrecognized {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s %s", e.Kind, e.App)
}

var (
	logoutRe    = regexp.MustCompile(`(?i)\buser\s*\[\s*([^\]]+?)\s*\]\s*has\s+logged\s+out`)
	connectedRe = regexp.MustCompile(`(?i)^\W*\[\s*([^\]]+?)\s*\]\s*connected`)
)

// Parse parses a relayed status line.
func Parse(text string) Event {
	if m := logoutRe.FindStringSubmatch(text); m != nil {
		return Event{Kind: Logout, App: strings.ToLower(m[1])}
	}
	if m := connectedRe.FindStringSubmatch(text); m != nil {
		return Event{Kind: Connected, App: strings.ToLower(m[1])}
	}
	return Event{Kind: Unrecognized}
}

// FormatConnected returns the canonical connected line for app.
func FormatConnected(app string) string { return "✅ [" + sanitize(app) + "] connected." }

// FormatLogout returns the canonical logout line for app.
func FormatLogout(app string) string { return "User [" + sanitize(app) + "] has logged out." }

func sanitize(app string) string {
	return strings.NewReplacer("[", "", "]", "", "\n", " ").Replace(strings.TrimSpace(app))
}
