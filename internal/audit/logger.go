// Package audit records security relevant protocol outcomes as structured
// events on a dedicated zerolog logger.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Actions.
const (
	ActionCodeIssued     = "authorization_code.issued"
	ActionAuthorizeError = "authorization.rejected"
	ActionTokenIssued    = "token.issued"
	ActionTokenRejected  = "token.rejected"
	ActionTokenRevoked   = "token.revoked"
	ActionConsentGranted = "consent.granted"
	ActionConsentRevoked = "consent.revoked"
)

// Event is one audit record.
type Event struct {
	Action   string
	ClientID string
	Subject  string
	// Target is the grant type, scope list or other object acted upon.
	Target  string
	Success bool
	// Error is the protocol error code of a failed action.
	Error string
}

// Logger writes audit events. A nil *Logger discards everything.
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger writing JSON lines to w.
func New(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).With().Str("log", "audit").Logger()}
}

// Log records ev, tagged with the trace of ctx when there is one.
func (l *Logger) Log(ctx context.Context, ev Event) {
	if l == nil {
		return
	}

	e := l.zl.Log().
		Time("timestamp", time.Now().UTC()).
		Str("action", ev.Action).
		Bool("success", ev.Success)

	if ev.ClientID != "" {
		e = e.Str("client_id", ev.ClientID)
	}
	if ev.Subject != "" {
		e = e.Str("sub", ev.Subject)
	}
	if ev.Target != "" {
		e = e.Str("target", ev.Target)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		e = e.Str("trace_id", sc.TraceID().String())
	}

	e.Send()
}
