package log

import "context"

// Fields are structured key/value pairs attached to one entry.
type Fields = map[string]any

// Logger is the logging interface used by the composition root and the HTTP
// layer. Entries carry the trace and span ids of the context.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	With(fields Fields) Logger
}
