// Package logutil holds logging helpers shared by the server and the agent.
package logutil

import (
	"log/slog"
	"os"
	"strings"
	"unicode"
)

// maxLogValue caps how much of a client-supplied value reaches the log.
const maxLogValue = 200

// SanitizeForLog flattens control characters in client-supplied strings so
// they cannot forge log lines, and truncates long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogValue))
	n := 0
	for _, r := range s {
		if n >= maxLogValue {
			b.WriteString("...")
			break
		}
		if unicode.IsControl(r) {
			r = ' '
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// Setup installs the process-wide slog handler. format is "text" or "json".
func Setup(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
