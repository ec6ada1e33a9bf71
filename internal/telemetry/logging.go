// Package telemetry builds the daemon's slog logger: JSON lines to
// logs/system.jsonl plus stdout, with secret redaction applied to every
// attribute before it is written.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/researchd/internal/shared"
	"github.com/mattn/go-isatty"
)

// Options controls logger construction.
type Options struct {
	// HomeDir is the daemon home; log files go to HomeDir/logs.
	HomeDir string
	// Level is debug/info/warn/error. Unknown values fall back to info.
	Level string
	// Quiet suppresses the stdout copy; the file still gets everything.
	Quiet bool
	// ForceJSON keeps the JSON handler on stdout even when it is a TTY.
	ForceJSON bool
}

// NewLogger opens logs/system.jsonl and returns a logger writing JSON to the
// file. Unless Quiet, output is mirrored to stdout, as human-readable text
// when stdout is a terminal and JSON otherwise. The returned closer owns the
// log file.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	var handler slog.Handler
	switch {
	case opts.Quiet:
		handler = slog.NewJSONHandler(file, handlerOpts)
	case !opts.ForceJSON && isatty.IsTerminal(os.Stdout.Fd()):
		// Interactive session: text on the terminal, JSON in the file.
		handler = fanoutHandler{
			slog.NewTextHandler(os.Stdout, handlerOpts),
			slog.NewJSONHandler(file, handlerOpts),
		}
	default:
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), handlerOpts)
	}

	logger := slog.New(handler).With("component", "researchd", "trace_id", "-")
	return logger, file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// fanoutHandler delivers each record to every wrapped handler.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, inner := range h {
		if inner.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, inner := range h {
		if !inner.Enabled(ctx, rec.Level) {
			continue
		}
		if err := inner.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, inner := range h {
		out[i] = inner.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, inner := range h {
		out[i] = inner.WithGroup(name)
	}
	return out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
