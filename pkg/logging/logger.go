// Package logging provides structured logging for the transport, backed by
// zerolog. Components depend on the Logger interface and receive it through
// functional options; NewNop is the default everywhere.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	// DebugLevel is for detailed information useful for debugging
	DebugLevel Level = iota - 1
	// InfoLevel is for general informational messages
	InfoLevel
	// WarnLevel is for warning messages
	WarnLevel
	// ErrorLevel is for error messages
	ErrorLevel
	// FatalLevel is for fatal errors that will terminate the program
	FatalLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name such as "debug" or "WARN".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Uint64 creates an unsigned integer field
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Time creates a time field
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the interface for structured logging
type Logger interface {
	// Debug logs a debug message with fields
	Debug(msg string, fields ...Field)
	// Info logs an info message with fields
	Info(msg string, fields ...Field)
	// Warn logs a warning message with fields
	Warn(msg string, fields ...Field)
	// Error logs an error message with fields
	Error(msg string, fields ...Field)
	// Fatal logs a fatal message with fields and exits
	Fatal(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields
	WithFields(fields ...Field) Logger
	// WithContext returns a new logger with context fields
	WithContext(ctx context.Context) Logger
	// WithError returns a new logger with error context
	WithError(err error) Logger

	// SetLevel sets the minimum log level
	SetLevel(level Level)
	// GetLevel returns the current log level
	GetLevel() Level
}

// Format selects the zerolog output encoding
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Option configures a logger built by New
type Option func(*options)

type options struct {
	format    Format
	level     Level
	component string
}

// WithFormat selects JSON or console output
func WithFormat(format Format) Option {
	return func(o *options) { o.format = format }
}

// WithLevel sets the initial minimum level
func WithLevel(level Level) Option {
	return func(o *options) { o.level = level }
}

// WithComponent tags every entry with a component field
func WithComponent(component string) Option {
	return func(o *options) { o.component = component }
}

type zerologLogger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// New creates a structured logger writing to output
func New(output io.Writer, opts ...Option) Logger {
	if output == nil {
		output = os.Stdout
	}
	o := options{format: FormatJSON, level: InfoLevel}
	for _, opt := range opts {
		opt(&o)
	}

	if o.format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(output).With().Timestamp()
	if o.component != "" {
		zctx = zctx.Str("component", o.component)
	}

	level := &atomic.Int32{}
	level.Store(int32(o.level))
	return &zerologLogger{zl: zctx.Logger(), level: level}
}

// NewNop returns a logger that discards everything
func NewNop() Logger {
	level := &atomic.Int32{}
	level.Store(int32(FatalLevel + 1))
	return &zerologLogger{zl: zerolog.Nop(), level: level}
}

func (l *zerologLogger) enabled(level Level) bool {
	return level >= Level(l.level.Load())
}

func (l *zerologLogger) log(level Level, msg string, fields []Field) {
	if !l.enabled(level) {
		return
	}
	ev := l.zl.WithLevel(level.zerolog())
	for _, f := range fields {
		ev = appendEvent(ev, f)
	}
	ev.Msg(msg)
}

// Debug logs a debug message
func (l *zerologLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }

// Info logs an info message
func (l *zerologLogger) Info(msg string, fields ...Field) { l.log(InfoLevel, msg, fields) }

// Warn logs a warning message
func (l *zerologLogger) Warn(msg string, fields ...Field) { l.log(WarnLevel, msg, fields) }

// Error logs an error message
func (l *zerologLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs a fatal message and exits
func (l *zerologLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields)
	os.Exit(1)
}

// WithFields returns a new logger with additional fields. The level is shared
// with the parent.
func (l *zerologLogger) WithFields(fields ...Field) Logger {
	zctx := l.zl.With()
	for _, f := range fields {
		zctx = appendContext(zctx, f)
	}
	return &zerologLogger{zl: zctx.Logger(), level: l.level}
}

// WithContext returns a new logger carrying the request id from ctx
func (l *zerologLogger) WithContext(ctx context.Context) Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return l.WithFields(String("request_id", requestID))
	}
	return l
}

// WithError returns a new logger with error context
func (l *zerologLogger) WithError(err error) Logger {
	fields := []Field{ErrorField(err)}

	if rpcErr, ok := rpcerrors.AsError(err); ok {
		fields = append(fields,
			Int("error_code", rpcErr.Code()),
			String("error_category", string(rpcErr.Category())),
			String("error_severity", string(rpcErr.Severity())),
		)
		if ctx := rpcErr.Context(); ctx != nil {
			if ctx.StreamID != "" {
				fields = append(fields, String("stream_id", ctx.StreamID))
			}
			if ctx.SessionID != "" {
				fields = append(fields, String("session_id", ctx.SessionID))
			}
			if ctx.Component != "" {
				fields = append(fields, String("component", ctx.Component))
			}
		}
	}

	return l.WithFields(fields...)
}

// SetLevel sets the minimum log level
func (l *zerologLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *zerologLogger) GetLevel() Level {
	return Level(l.level.Load())
}

func appendEvent(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case uint64:
		return ev.Uint64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case error:
		return ev.AnErr(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	case time.Time:
		return ev.Time(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

func appendContext(zctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return zctx.Str(f.Key, v)
	case int:
		return zctx.Int(f.Key, v)
	case uint64:
		return zctx.Uint64(f.Key, v)
	case bool:
		return zctx.Bool(f.Key, v)
	case error:
		return zctx.AnErr(f.Key, v)
	case time.Duration:
		return zctx.Dur(f.Key, v)
	case time.Time:
		return zctx.Time(f.Key, v)
	default:
		return zctx.Interface(f.Key, v)
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context with a request ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from a context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
