package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Config holds logger configuration options
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string

	// Format is json, console, or auto (console on a terminal).
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

// SyncLogger is a zerolog.Logger with the sync event vocabulary.
type SyncLogger struct {
	zerolog.Logger
}

// New creates a SyncLogger from cfg.
func New(cfg Config) *SyncLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := ParseLevel(cfg.Level)
	l := zerolog.New(writer(out, cfg.Format)).
		Level(level).
		With().
		Timestamp().
		Logger()

	if level <= zerolog.DebugLevel {
		l = l.With().Caller().Logger()
	}

	return &SyncLogger{Logger: l}
}

// Nop returns a SyncLogger that discards everything.
func Nop() *SyncLogger {
	return &SyncLogger{Logger: zerolog.Nop()}
}

// PhaseStart records the beginning of a phase over total items.
func (l *SyncLogger) PhaseStart(phase string, total int) {
	l.Info().Str("phase", phase).Int("total", total).Msg("phase started")
}

// Progress records how far a phase has come.
func (l *SyncLogger) Progress(phase string, done, total, succeeded, failed int) {
	l.Info().
		Str("phase", phase).
		Int("done", done).
		Int("total", total).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("progress")
}

// PhaseComplete records the end of a phase.
func (l *SyncLogger) PhaseComplete(phase string, succeeded, failed int) {
	ev := l.Info()
	if failed > 0 {
		ev = l.Warn()
	}
	ev.Str("phase", phase).Int("succeeded", succeeded).Int("failed", failed).Msg("phase complete")
}

// Upload records a single object upload.
func (l *SyncLogger) Upload(localPath, key string) {
	l.Debug().Str("source", localPath).Str("key", key).Msg("upload")
}

// Delete records a single object deletion.
func (l *SyncLogger) Delete(key string) {
	l.Debug().Str("key", key).Msg("delete")
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "critical":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		if l, err := zerolog.ParseLevel(level); err == nil {
			return l
		}
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level is one ParseLevel understands by name.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "warning", "error", "critical", "disabled", "off":
		return true
	}
	return false
}

func writer(out io.Writer, format string) io.Writer {
	switch strings.ToLower(format) {
	case "console", "pretty":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	case "json":
		return out
	}

	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	return out
}
