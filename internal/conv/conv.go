// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package conv holds per-user conversation state of the bot.
//
// State lives in process memory only and is lost on restart.
package conv

import (
	"maps"

	"go.astrophena.name/tgdeploy/internal/syncx"
)

// Step is a step of a conversation.
type Step int

// Conversation steps.
const (
	StepNone Step = iota
	StepAwaitingKey
	StepSessionID
	StepAppName
	StepWizardChoice
	StepConfirmDeploy
	StepBuilding
	StepAppManagement
	StepSetVarValue
	StepConfirmDelete
	StepUpdateSession
	StepAwaitingAppForAdd
	StepAwaitingAppForRemoval
)

var stepNames = map[Step]string{
	StepNone:                  "NONE",
	StepAwaitingKey:           "AWAITING_KEY",
	StepSessionID:             "SESSION_ID",
	StepAppName:               "APP_NAME",
	StepWizardChoice:          "AWAITING_WIZARD_CHOICE",
	StepConfirmDeploy:         "CONFIRM_DEPLOY",
	StepBuilding:              "BUILDING",
	StepAppManagement:         "APP_MANAGEMENT",
	StepSetVarValue:           "SETVAR_VALUE",
	StepConfirmDelete:         "CONFIRM_DELETE",
	StepUpdateSession:         "UPDATE_SESSION",
	StepAwaitingAppForAdd:     "AWAITING_APP_FOR_ADD",
	StepAwaitingAppForRemoval: "AWAITING_APP_FOR_REMOVAL",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Keys of State.Data.
const (
	KeyApp     = "app"
	KeySession = "session"
	KeyVar     = "var"
	KeyTrial   = "trial"
	KeyUser    = "user"
)

// State is the conversation state of one user.
type State struct {
	Step Step
	// Data holds the fields accumulated across steps.
	Data map[string]string
	// AnchorMessageID is the ID of the message the conversation edits in
	// place, if any.
	AnchorMessageID int64
}

// NewState returns a State at step with data built from key-value pairs.
func NewState(step Step, kv ...string) State {
	s := State{Step: step, Data: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		s.Data[kv[i]] = kv[i+1]
	}
	return s
}

// App returns the application the conversation is about.
func (s State) App() string { return s.Data[KeyApp] }

// MatchesApp reports whether the conversation is about app.
func (s State) MatchesApp(app string) bool {
	return app != "" && s.Data[KeyApp] == app
}

// With returns a copy of s with key set to value.
func (s State) With(key, value string) State {
	s.Data = maps.Clone(s.Data)
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.Data[key] = value
	return s
}

// Store holds conversation states keyed by user ID. Use NewStore to create
// one.
type Store struct {
	states *syncx.Protected[map[int64]State]
	locks  syncx.KeyedMutex[int64]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		states: syncx.Protect(make(map[int64]State)),
	}
}

// Get returns a copy of the state of user.
func (s *Store) Get(user int64) (st State, ok bool) {
	s.states.RAccess(func(m map[int64]State) {
		st, ok = m[user]
	})
	st.Data = maps.Clone(st.Data)
	return st, ok
}

// Set replaces the state of user.
func (s *Store) Set(user int64, st State) {
	st.Data = maps.Clone(st.Data)
	s.states.Access(func(m map[int64]State) {
		m[user] = st
	})
}

// Delete discards the state of user.
func (s *Store) Delete(user int64) {
	s.states.Access(func(m map[int64]State) {
		delete(m, user)
	})
}

// Clear discards all states.
func (s *Store) Clear() {
	s.states.Access(func(m map[int64]State) {
		clear(m)
	})
}

// Len returns the number of users with a conversation in progress.
func (s *Store) Len() (n int) {
	s.states.RAccess(func(m map[int64]State) {
		n = len(m)
	})
	return n
}

// Lock serializes event handling for user. It blocks until the user is
// unlocked and returns the function that unlocks it. Calling unlock more than
// once is a no-op.
func (s *Store) Lock(user int64) (unlock func()) { return s.locks.Lock(user) }

func (s *Store) lockCount() int { return s.locks.Len() }
