// Package log builds the structured loggers used by the tpmlog daemons:
// a stderr handler plus an optional daily JSONL file sink.
package log

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Options configures a logger.
type Options struct {
	// Verbose lowers the stderr level from Info to Debug.
	Verbose bool
	// JSONFormat forces JSON on stderr. When nil the format follows the
	// terminal: text for a TTY, JSON otherwise.
	JSONFormat *bool
	// Dir receives daily <prefix>-YYYY-MM-DD.jsonl files at Debug level.
	// Empty disables file logging.
	Dir string
	// Prefix names the log files (default "tpmlog").
	Prefix string
	// RetentionDays is how many days to keep log files (0 = no cleanup).
	RetentionDays int
	// Stderr is the writer for stderr output (defaults to os.Stderr).
	Stderr io.Writer
}

// New builds a logger from opts. The returned closer releases the file sink.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	stderrOpts := &slog.HandlerOptions{Level: level}

	jsonOut := !isTerminal(stderr)
	if opts.JSONFormat != nil {
		jsonOut = *opts.JSONFormat
	}

	var handlers []slog.Handler
	if jsonOut {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		prefix := opts.Prefix
		if prefix == "" {
			prefix = "tpmlog"
		}
		if opts.RetentionDays > 0 {
			Cleanup(opts.Dir, prefix, opts.RetentionDays)
		}
		fw, err := NewFileWriter(opts.Dir, prefix)
		if err != nil {
			return nil, nil, err
		}
		closer = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(&multiHandler{handlers: handlers}), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
