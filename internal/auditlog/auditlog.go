// Package auditlog records the migration audit trail: every operation, its
// outcome, its duration and, for failures, a remediation hint. Entries go to
// slog, to the _migration_logs table, or both.
package auditlog

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Level is the severity of an entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one audit record.
type Entry struct {
	ID          int64          `json:"id,omitempty"`
	Level       Level          `json:"level"`
	Phase       string         `json:"phase,omitempty"`
	Operation   string         `json:"operation"`
	Message     string         `json:"message"`
	Stack       string         `json:"stack,omitempty"`
	DurationMs  int64          `json:"durationMs"`
	Remediation string         `json:"remediation,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	At          time.Time      `json:"at"`
}

// Logger appends entries to the audit trail. Implementations never fail the
// caller; storage problems are reported on their own fallback channel.
type Logger interface {
	Log(ctx context.Context, e Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Log(context.Context, Entry) {}

// SlogLogger writes entries as structured log records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlog wraps logger.
func NewSlog(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (s *SlogLogger) Log(ctx context.Context, e Entry) {
	attrs := []any{"operation", e.Operation}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.DurationMs > 0 {
		attrs = append(attrs, "duration_ms", e.DurationMs)
	}
	if e.Remediation != "" {
		attrs = append(attrs, "remediation", e.Remediation)
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, e.Level.slog(), e.Message, attrs...)
}

type multi []Logger

func (m multi) Log(ctx context.Context, e Entry) {
	for _, l := range m {
		l.Log(ctx, e)
	}
}

// Multi fans each entry out to every logger.
func Multi(loggers ...Logger) Logger {
	return multi(loggers)
}

// Memory keeps entries in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Log(_ context.Context, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// Entries returns a copy of everything logged so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Operations returns the operation names logged at the given level.
func (m *Memory) Operations(level Level) []string {
	var ops []string
	for _, e := range m.Entries() {
		if e.Level == level {
			ops = append(ops, e.Operation)
		}
	}
	return ops
}

// Info logs an informational entry.
func Info(ctx context.Context, l Logger, phase, op, msg string) {
	l.Log(ctx, Entry{Level: LevelInfo, Phase: phase, Operation: op, Message: msg, At: time.Now().UTC()})
}

// Warn logs a warning entry.
func Warn(ctx context.Context, l Logger, phase, op, msg string) {
	l.Log(ctx, Entry{Level: LevelWarn, Phase: phase, Operation: op, Message: msg, At: time.Now().UTC()})
}

// Error logs a failure with the current stack and a remediation hint.
func Error(ctx context.Context, l Logger, phase, op string, err error, remediation string) {
	l.Log(ctx, Entry{
		Level:       LevelError,
		Phase:       phase,
		Operation:   op,
		Message:     err.Error(),
		Stack:       string(debug.Stack()),
		Remediation: remediation,
		At:          time.Now().UTC(),
	})
}

// Operation times one audited operation.
type Operation struct {
	logger Logger
	phase  string
	name   string
	start  time.Time
	meta   map[string]any
}

// Start begins timing op.
func Start(l Logger, phase, op string) *Operation {
	return &Operation{logger: l, phase: phase, name: op, start: time.Now()}
}

// With attaches metadata reported when the operation finishes.
func (o *Operation) With(key string, value any) *Operation {
	if o.meta == nil {
		o.meta = make(map[string]any)
	}
	o.meta[key] = value
	return o
}

// Done logs completion, or failure when err is non-nil.
func (o *Operation) Done(ctx context.Context, err error) {
	o.DoneWithHint(ctx, err, "")
}

// DoneWithHint is Done with a remediation hint attached to failures.
func (o *Operation) DoneWithHint(ctx context.Context, err error, hint string) {
	e := Entry{
		Level:      LevelInfo,
		Phase:      o.phase,
		Operation:  o.name,
		Message:    o.name + " completed",
		DurationMs: time.Since(o.start).Milliseconds(),
		Metadata:   o.meta,
		At:         time.Now().UTC(),
	}
	if err != nil {
		e.Level = LevelError
		e.Message = err.Error()
		e.Stack = string(debug.Stack())
		e.Remediation = hint
	}
	o.logger.Log(ctx, e)
}
