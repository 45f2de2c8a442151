package logger

// Logger is the minimal structured logging contract the service depends on.
// Implementations take alternating key/value pairs, which keeps the surface
// trivial to adapt and to fake in tests.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc produces a correlation id for one request's audit lines. It
// must be cheap and safe for concurrent calls.
type TraceIDFunc func() string
