// Package logging builds the structured loggers used across socksgate.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// levelNames maps config-file level names onto slog levels. Unknown names
// fall back to info so a typo in the config never silences the proxy.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Level resolves a config-file level name.
func Level(name string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// New builds the process logger on stderr. The text format is honored only
// when stderr is a terminal; under a service manager the records switch to
// JSON so they stay machine-readable.
func New(level, format string) *slog.Logger {
	if strings.EqualFold(format, "text") && !term.IsTerminal(int(os.Stderr.Fd())) {
		format = "json"
	}
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter builds a logger with the exact format requested, for callers
// that own the destination (tests, captured output).
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeySessionID  = "session_id"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyTarget     = "target"
	KeyPhase      = "phase"
	KeyDirection  = "direction"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyBytes      = "bytes"
	KeyCount      = "count"
)
