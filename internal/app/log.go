package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// runHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
type runHandler struct {
	w        io.Writer
	runID    string
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *runHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *runHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.runID, r.Message)
	if err != nil {
		return err
	}

	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runHandler{
		w:        h.w,
		runID:    h.runID,
		minLevel: h.minLevel,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *runHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger writing to stderr and, when logPath
// is non-empty, also appending to that file. Returns the open log file for
// cleanup (nil when logging to stderr only).
func newLogger(logPath, runID string, verbose bool) (*slog.Logger, *os.File, error) {
	minLevel := slog.LevelInfo
	if verbose {
		minLevel = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	var f *os.File
	if logPath != "" {
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(f, os.Stderr)
	}

	handler := &runHandler{w: w, runID: runID, minLevel: minLevel}
	return slog.New(handler), f, nil
}
