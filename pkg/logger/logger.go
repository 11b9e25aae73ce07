package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// timeFormat is RFC 3339 in UTC with millisecond precision.
const timeFormat = "2006-01-02T15:04:05.000Z"

// New returns a tint-backed logger writing to stdout. Debug level is enabled
// when verbose is set.
func New(verbose bool) *slog.Logger {
	return NewTo(os.Stdout, verbose)
}

// NewTo is New writing to w.
func NewTo(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level, ReplaceAttr: replaceAttr}))
}

// replaceAttr renders times in UTC and drops empty string attributes, so an
// unset error code or source leaves no key behind.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(timeFormat))
	}
	if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
		return slog.Attr{}
	}
	return a
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
