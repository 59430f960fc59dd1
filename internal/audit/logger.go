// Package audit writes a JSON trail of security relevant client events.
package audit

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Actions recorded by the client.
const (
	ActionLoginStarted   = "login_started"
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionTokenRefreshed = "token_refreshed"
)

// Event represents an audit log event.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Application string    `json:"application"`
	Action      string    `json:"action"`
	Target      string    `json:"target,omitempty"`  // authorization state or client id
	Details     string    `json:"details,omitempty"` // e.g. requested scopes
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Logger writes one JSON line per event. A nil *Logger discards events.
type Logger struct {
	out         zerolog.Logger
	application string
	now         func() time.Time
}

// New creates a Logger writing to w.
func New(w io.Writer, application string) *Logger {
	return &Logger{
		out:         zerolog.New(w).With().Timestamp().Logger(),
		application: application,
		now:         time.Now,
	}
}

// Log records an audit event. err marks the action as failed.
func (l *Logger) Log(action, target, details string, err error) {
	if l == nil {
		return
	}

	event := Event{
		Timestamp:   l.now().UTC(),
		Application: l.application,
		Action:      action,
		Target:      target,
		Details:     details,
		Success:     err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		l.out.Error().Err(marshalErr).
			Str("action", action).
			Str("target", target).
			Msg("audit event could not be encoded")
		return
	}
	l.out.Log().RawJSON("audit_event", entry).Msg("")
}
