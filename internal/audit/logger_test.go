package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	l.Log(ctx, Event{
		Action:   ActionTokenRejected,
		ClientID: "web-app",
		Target:   "authorization_code",
		Error:    "invalid_grant",
	})

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "audit", got["log"])
	assert.Equal(t, ActionTokenRejected, got["action"])
	assert.Equal(t, "web-app", got["client_id"])
	assert.Equal(t, "invalid_grant", got["error"])
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got["trace_id"])
	assert.NotContains(t, got, "sub")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Log(context.Background(), Event{Action: ActionTokenIssued}) })
}
