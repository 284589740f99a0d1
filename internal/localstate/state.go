// Package localstate is a best-effort crash-recovery cache for in-progress
// practice views. It is never authoritative: once a session is submitted the
// question store wins. Load and Save never fail past the caller.
package localstate

import (
	"context"
	"encoding/json"

	"github.com/mind-engage/nmcprep/internal/practice"
)

const keyPrefix = "nmcPrepCbtState"

// UserKey addresses the in-progress view of a user.
func UserKey(userID string) string { return keyPrefix + ":" + userID }

// SessionKey addresses per-session resume data.
func SessionKey(userID, sessionID string) string {
	return keyPrefix + ":" + userID + ":" + sessionID
}

type Results struct {
	Score     int    `json:"score"`
	Total     int    `json:"total"`
	Percent   int    `json:"percent"`
	Message   string `json:"message"`
	Persisted bool   `json:"persisted"`
}

type State struct {
	View            string                  `json:"view"`
	SessionConfig   *practice.SessionConfig `json:"session_config,omitempty"`
	QuestionIDs     []string                `json:"question_ids,omitempty"`
	Answers         map[string]string       `json:"answers,omitempty"`
	CurrentIndex    int                     `json:"current_index"`
	SessionStart    int64                   `json:"session_start,omitempty"` // unix millis
	ActiveSessionID string                  `json:"active_session_id,omitempty"`
	Results         *Results                `json:"results,omitempty"`
}

// Views a client can be restored into.
const (
	ViewConfig  = "config"
	ViewQuiz    = "quiz"
	ViewResults = "results"
)

type Store interface {
	Load(ctx context.Context, key string) (State, bool)
	Save(ctx context.Context, key string, s State)
	Delete(ctx context.Context, key string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Load(context.Context, string) (State, bool) { return State{}, false }
func (Nop) Save(context.Context, string, State)        {}
func (Nop) Delete(context.Context, string)             {}

func encode(s State) ([]byte, error) { return json.Marshal(s) }

func decode(b []byte) (State, bool) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, false
	}
	return s, true
}

type ctxKey struct{}

// WithStore binds a request-scoped store, used by the cookie backend.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request-scoped store if one is bound, else fallback,
// else Nop.
func FromContext(ctx context.Context, fallback Store) Store {
	if s, ok := ctx.Value(ctxKey{}).(Store); ok && s != nil {
		return s
	}
	if fallback != nil {
		return fallback
	}
	return Nop{}
}
