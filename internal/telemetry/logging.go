// Package telemetry builds the daemon's structured logger. Every entry is a
// JSON line carrying timestamp, level, component and trace_id so the log file
// can be tailed and filtered with standard tooling.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-loom/internal/shared"
)

// sensitiveKeyParts marks attr keys whose values never reach the log.
var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger opens <homeDir>/logs/system.jsonl for appending and returns a
// slog.Logger that writes JSON lines there, and to stdout unless quiet is
// set. The returned closer owns the log file handle.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sinks := []io.Writer{file}
	if !quiet {
		sinks = append(sinks, os.Stdout)
	}
	handler := slog.NewJSONHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: rewriteAttr,
	})
	logger := slog.New(handler).With("component", "daemon", "trace_id", "-")
	return logger, file, nil
}

// rewriteAttr renames the time key to the schema's "timestamp" and strips
// secrets before they are serialized.
func rewriteAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if clean, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// scrubValue redacts secrets embedded in attr values, not just keyed ones.
// A value that mentions a bearer token or auth header is dropped wholesale;
// anything else goes through the shared pattern redactor.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	if clean := shared.Redact(v); clean != v {
		return clean, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
