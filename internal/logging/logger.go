// Package logging provides the JSON structured logger used across swb: a
// leveled, field-based logger mirroring every line to stdout and a
// size-rotated on-disk file, plus per-session trace propagation through
// context.
package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/gcpreston/swb-go/internal/config"
)

// TraceIDField is the canonical structured logging field for session trace identifiers.
const TraceIDField = "trace_id"

type contextKey string

var (
	loggerContextKey = contextKey("swb-logger")
	traceContextKey  = contextKey("swb-trace-id")

	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "info"
	}
}

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Error returns an error field.
func Error(err error) Field { return Field{Key: "error", Value: err} }

// Logger emits JSON lines to stdout and, when configured, a rotating log file.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
	file  *fileSink
	base  map[string]any
}

// New constructs the process-wide logger from cfg and installs it as the
// global fallback.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	sink, err := openFileSink(cfg)
	if err != nil {
		return nil, err
	}
	logger := &Logger{
		level: level,
		out:   os.Stdout,
		file:  sink,
		base:  map[string]any{"service": "swb"},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{level: DebugLevel, out: io.Discard, base: map[string]any{}}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a logger that attaches fields to every line it emits.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	base := make(map[string]any, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for _, f := range fields {
		base[f.Key] = fieldValue(f.Value)
	}
	return &Logger{level: l.level, out: l.out, file: l.file, base: base}
}

// Sync flushes the file sink, if any, to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields...) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields...) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields...) }

func (l *Logger) log(level Level, message string, fields ...Field) {
	if l == nil {
		L().log(level, message, fields...)
		return
	}
	if level < l.level {
		return
	}
	entry := make(map[string]any, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		entry[k] = v
	}
	for _, f := range fields {
		entry[f.Key] = fieldValue(f.Value)
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = message
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
	if l.file != nil {
		_, _ = l.file.Write(line)
	}
}

// fieldValue renders values json.Marshal handles poorly; errors in particular
// would otherwise marshal to empty objects.
func fieldValue(v any) any {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}

// ContextWithLogger stores a logger in the provided context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext retrieves a logger from context or falls back to the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// ContextWithTraceID stores a session trace identifier in context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, traceID)
}

// TraceIDFromContext extracts a session trace identifier from context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceContextKey).(string); ok {
		return traceID
	}
	return ""
}

// GenerateTraceID creates a random session trace identifier.
func GenerateTraceID() string {
	return uuid.NewString()
}

// WithSession enriches the context with a session trace ID (one per broadcast
// or spectate invocation) and returns the derived logger.
func WithSession(ctx context.Context, base *Logger, sessionID string) (context.Context, *Logger, string) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		sid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(Field{Key: TraceIDField, Value: sid})
	ctx = ContextWithTraceID(ctx, sid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, sid
}

// backupStampFormat is the timestamp embedded in rotated backup filenames.
// Names carrying it sort chronologically, which pruning relies on.
const backupStampFormat = "20060102T150405"

// fileSink appends lines to a single log file, rotating it into a
// timestamped gzip backup once it would exceed the configured size and
// pruning old backups by count and filename age.
type fileSink struct {
	mu       sync.Mutex
	path     string
	limit    int64
	keep     int
	maxAge   time.Duration
	compress bool
	f        *os.File
	written  int64
}

func openFileSink(cfg config.LoggingConfig) (*fileSink, error) {
	if cfg.MaxSizeMB <= 0 {
		return nil, errors.New("SWB_LOG_MAX_SIZE_MB must be positive")
	}
	if cfg.MaxBackups < 0 {
		return nil, errors.New("SWB_LOG_MAX_BACKUPS must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		return nil, errors.New("SWB_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileSink{
		path:     cfg.Path,
		limit:    int64(cfg.MaxSizeMB) * 1024 * 1024,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress: cfg.Compress,
		f:        f,
		written:  info.Size(),
	}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written+int64(len(p)) > s.limit {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.f.Sync()
}

// rotateLocked moves the live file aside as a timestamped backup (gzipped
// when compression is on, falling back to a plain rename so no log data is
// lost), prunes old backups, and reopens a fresh live file.
func (s *fileSink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format(backupStampFormat))
	if s.compress {
		if err := gzipFile(s.path, backup+".gz"); err == nil {
			_ = os.Remove(s.path)
		} else {
			_ = os.Rename(s.path, backup)
		}
	} else {
		if err := os.Rename(s.path, backup); err != nil {
			return err
		}
	}
	s.pruneLocked()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.written = 0
	return nil
}

// pruneLocked drops the oldest backups beyond the retention count, then any
// whose filename timestamp has aged out.
func (s *fileSink) pruneLocked() {
	dir := filepath.Dir(s.path)
	prefix := filepath.Base(s.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	if s.keep > 0 && len(backups) > s.keep {
		for _, name := range backups[:len(backups)-s.keep] {
			_ = os.Remove(filepath.Join(dir, name))
		}
		backups = backups[len(backups)-s.keep:]
	}
	if s.maxAge > 0 {
		cutoff := time.Now().UTC().Add(-s.maxAge)
		for _, name := range backups {
			stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz")
			when, err := time.Parse(backupStampFormat, stamp)
			if err != nil {
				continue
			}
			if when.Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, name))
			}
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
