package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	logger *slog.Logger
	base   slog.Handler
	root   slog.Level
	levels map[string]slog.Level
	output io.Closer
)

// Options controls how the global logger is built.
type Options struct {
	// Level is the root level (LOGGER=...).
	Level string
	// Levels maps component prefixes to levels (LOGGER.<prefix>=...).
	Levels map[string]string
	// Format is "json" (default) or "text".
	Format string
	// File redirects output to a file (LOGFILE=...). Empty means stdout.
	File string
	// Append keeps existing file content (LOGFILE.append=true).
	Append bool
	// Writer overrides the destination, mainly for tests.
	Writer io.Writer
}

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	once.Do(func() {
		_ = Configure(Options{Level: level})
	})
}

// Configure replaces the global logger. A previously opened LOGFILE is closed.
func Configure(opts Options) error {
	var w io.Writer = os.Stdout
	var closer io.Closer
	switch {
	case opts.Writer != nil:
		w = opts.Writer
	case opts.File != "":
		f, err := openLogFile(opts.File, opts.Append)
		if err != nil {
			return err
		}
		w, closer = f, f
	}

	table := make(map[string]slog.Level, len(opts.Levels))
	for prefix, lvl := range opts.Levels {
		table[strings.TrimSpace(prefix)] = ParseLevel(lvl)
	}

	// Filtering happens in levelHandler so per-component levels below the
	// root level still reach the writer.
	hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}

	mu.Lock()
	prev := output
	base = h
	root = ParseLevel(opts.Level)
	levels = table
	output = closer
	logger = slog.New(&levelHandler{inner: h, min: root})
	slog.SetDefault(logger)
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

func openLogFile(path string, appendMode bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ParseLevel maps a level name to slog.Level. Unknown names map to INFO.
// TRACE and FINE are accepted as aliases for DEBUG.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE", "FINE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "SEVERE":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is a recognised level name.
func ValidLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE", "FINE", "INFO", "WARN", "WARNING", "ERROR", "SEVERE":
		return true
	}
	return false
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Setup("INFO")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// levelFor resolves the level for a dotted component name using the
// longest matching LOGGER.<prefix> entry.
func levelFor(name string) (slog.Level, bool) {
	best := -1
	var lvl slog.Level
	for prefix, l := range levels {
		if prefix == "" {
			continue
		}
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			if len(prefix) > best {
				best = len(prefix)
				lvl = l
			}
		}
	}
	return lvl, best >= 0
}

func scoped(name string, attrs ...any) *slog.Logger {
	l := Get()
	mu.RLock()
	h := base
	lvl, ok := levelFor(name)
	mu.RUnlock()
	if !ok || h == nil {
		return l.With(attrs...)
	}
	return slog.New(&levelHandler{inner: h, min: lvl}).With(attrs...)
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return scoped(name, slog.String("component", name))
}

// WithPlugin returns a logger with the plugin field set.
// Levels are looked up under "plugin.<name>".
func WithPlugin(name string) *slog.Logger {
	return scoped("plugin."+name, slog.String("plugin", name))
}

// WithUnit returns a logger with the unit field set.
func WithUnit(id string) *slog.Logger {
	return Get().With(slog.String("unit", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

type levelHandler struct {
	inner slog.Handler
	min   slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.inner.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{inner: h.inner.WithAttrs(attrs), min: h.min}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{inner: h.inner.WithGroup(name), min: h.min}
}
