// Package log is the process-wide structured logger of meds-etl. Records are
// JSON on stderr so that stdout carries only command output (plans, values,
// reports), and can be diverted while a terminal UI owns the screen.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	out    = &switchWriter{w: os.Stderr}
)

// switchWriter lets Divert change the destination of an already built handler.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}

// Setup configures the global logger on stderr at level (debug, info, warn,
// error; anything else means info). Only the first call takes effect.
func Setup(level string) {
	SetupWriter(level, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(level string, w io.Writer) {
	once.Do(func() {
		var l slog.Level
		switch strings.ToUpper(level) {
		case "DEBUG":
			l = slog.LevelDebug
		case "WARN":
			l = slog.LevelWarn
		case "ERROR":
			l = slog.LevelError
		default:
			l = slog.LevelInfo
		}

		out.swap(w)
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: l}))
		slog.SetDefault(logger)
	})
}

// Divert sends log records to w until the returned restore func is called.
// run --tui uses it so records do not draw over the progress view.
func Divert(w io.Writer) (restore func()) {
	prev := out.swap(w)
	return func() { out.swap(prev) }
}

// Get returns the configured logger, setting up an info logger on first use.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}
