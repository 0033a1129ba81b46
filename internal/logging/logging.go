// Package logging provides structured logging with colored terminal output
// (via tint), a size-rotating file sink, an in-memory ring for remote log
// retrieval, and runtime-adjustable global and per-logger levels.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LoggerKey is the attribute naming the component logger. Component loggers
// are derived with slog.With(LoggerKey, name).
const LoggerKey = "logger"

// Level is the global atomic log level. It can be changed at runtime
// (set_log_level) without restarting the process.
var Level = new(slog.LevelVar) // default: INFO

// Options configures the log manager.
type Options struct {
	Dir             string // rotating-file directory; empty disables the file sink
	FileName        string // base name without extension, e.g. "endpoint"
	MaxBytes        int64
	Backups         int
	RingSize        int
	CompressBackups bool
}

// Stats are per-level record counts since process start, plus the current
// ring occupancy.
type Stats struct {
	Debug    int64 `json:"debug"`
	Info     int64 `json:"info"`
	Warn     int64 `json:"warn"`
	Error    int64 `json:"error"`
	RingSize int   `json:"ring_size"`
}

// Manager owns the log sinks. It fans every record out to the console, the
// rotating file, and the in-memory ring.
type Manager struct {
	ring    *Ring
	writer  *RotatingWriter
	console slog.Handler
	file    slog.Handler

	mu        sync.RWMutex
	perLogger map[string]slog.Level

	nDebug, nInfo, nWarn, nError atomic.Int64

	// OnError, when set, is invoked for every error-level record. Used to
	// push log-alert events over the hub connection.
	OnError atomic.Pointer[func(Record)]
}

// NewManager builds the sinks. The console handler follows the terminal:
// tint on a TTY, JSON otherwise (for log aggregation).
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		ring:      NewRing(opts.RingSize),
		perLogger: make(map[string]slog.Level),
		console:   newConsoleHandler(),
	}
	if opts.Dir != "" {
		w, err := NewRotatingWriter(opts.Dir, opts.FileName, opts.MaxBytes, opts.Backups, opts.CompressBackups)
		if err != nil {
			return nil, err
		}
		m.writer = w
		m.file = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return m, nil
}

func newConsoleHandler() slog.Handler {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

// Install makes the manager the default slog handler.
func (m *Manager) Install() {
	slog.SetDefault(slog.New(handler{m: m}))
}

// Close flushes and closes the file sink.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// Ring exposes the in-memory ring for get_logs.
func (m *Manager) Ring() *Ring { return m.ring }

// SetLevel changes the global level.
func (m *Manager) SetLevel(l slog.Level) { Level.Set(l) }

// SetLoggerLevel overrides the level for one component logger. Setting the
// same level twice is a no-op.
func (m *Manager) SetLoggerLevel(logger string, l slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perLogger[logger] = l
}

// ClearLoggerLevel removes a per-logger override.
func (m *Manager) ClearLoggerLevel(logger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perLogger, logger)
}

// EffectiveLevel returns the level applied to records from the given logger.
func (m *Manager) EffectiveLevel(logger string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.perLogger[logger]; ok {
		return l
	}
	return Level.Level()
}

// Stats returns per-level counters and ring occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		Debug:    m.nDebug.Load(),
		Info:     m.nInfo.Load(),
		Warn:     m.nWarn.Load(),
		Error:    m.nError.Load(),
		RingSize: m.ring.Len(),
	}
}

// minLevel is the lowest level any sink might accept, used by Enabled
// (which has no logger name to consult).
func (m *Manager) minLevel() slog.Level {
	min := Level.Level()
	m.mu.RLock()
	for _, l := range m.perLogger {
		if l < min {
			min = l
		}
	}
	m.mu.RUnlock()
	return min
}

func (m *Manager) handle(ctx context.Context, r slog.Record, attrs []slog.Attr) error {
	logger := ""
	collect := func(a slog.Attr) {
		if a.Key == LoggerKey {
			logger = a.Value.String()
		}
	}
	for _, a := range attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool { collect(a); return true })

	if r.Level < m.EffectiveLevel(logger) {
		return nil
	}

	switch {
	case r.Level >= slog.LevelError:
		m.nError.Add(1)
	case r.Level >= slog.LevelWarn:
		m.nWarn.Add(1)
	case r.Level >= slog.LevelInfo:
		m.nInfo.Add(1)
	default:
		m.nDebug.Add(1)
	}

	rec := Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Logger:  logger,
		Message: r.Message,
	}
	fields := make(map[string]any)
	record := func(a slog.Attr) {
		if a.Key != LoggerKey {
			fields[a.Key] = a.Value.Any()
		}
	}
	for _, a := range attrs {
		record(a)
	}
	r.Attrs(func(a slog.Attr) bool { record(a); return true })
	if len(fields) > 0 {
		rec.Attrs = fields
	}
	m.ring.Append(rec)

	if r.Level >= slog.LevelError {
		if fn := m.OnError.Load(); fn != nil {
			(*fn)(rec)
		}
	}

	var firstErr error
	if err := m.console.WithAttrs(attrs).Handle(ctx, r); err != nil {
		firstErr = err
	}
	if m.file != nil {
		if err := m.file.WithAttrs(attrs).Handle(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handler adapts Manager to slog.Handler, carrying accumulated attrs so
// WithAttrs-derived loggers keep their logger attribute visible to the
// ring and the per-logger level filter.
type handler struct {
	m     *Manager
	attrs []slog.Attr
}

func (h handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.m.minLevel()
}

func (h handler) Handle(ctx context.Context, r slog.Record) error {
	return h.m.handle(ctx, r, h.attrs)
}

func (h handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return handler{m: h.m, attrs: merged}
}

func (h handler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the core logs flat key/value pairs only.
	return h
}

// Setup initializes a console-only default logger. Used by entry points
// before the config (and with it the file sink) is loaded.
func Setup() {
	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: Level, TimeFormat: time.TimeOnly})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: Level})
	}
	slog.SetDefault(slog.New(h))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts a string like "debug", "info", "warn", "error"
// to the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
