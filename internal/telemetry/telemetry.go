// Package telemetry wires the engine's diagnostic logging: a rotating
// file sink for structured JSON records, and an optional human-readable
// debug stream gated the same way the teacher's internal/debug package
// gated its Logf calls.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger  atomic.Pointer[slog.Logger]
	debugOn atomic.Bool
)

func init() {
	logger.Store(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// Options configures the rotating log sink.
type Options struct {
	// Path is the log file path. Empty disables file logging.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// Init installs the process-wide logger. Safe to call once at startup;
// later calls replace the previous logger.
func Init(opts Options) {
	debugOn.Store(opts.Debug)
	var w io.Writer = io.Discard
	if opts.Path != "" {
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// L returns the process-wide structured logger.
func L() *slog.Logger { return logger.Load() }

// Debugf writes a human-readable line to stderr, gated on debug mode,
// mirroring the teacher's debug.Logf-guarded verbose tracing. It stays
// cheap to leave in call sites that run on every config lookup or
// trigger firing since the format is skipped entirely when debug is off.
func Debugf(format string, args ...any) {
	if !debugOn.Load() {
		return
	}
	fmt.Fprintf(os.Stderr, "[crrsync] "+format+"\n", args...)
}

// ApplySummary logs a human-readable one-liner for a completed apply
// batch, the kind of line the teacher's CLI printed after a sync.
func ApplySummary(document string, changeCount int, elapsed time.Duration) {
	L().Info("apply batch completed",
		"document", document,
		"changes", humanize.Comma(int64(changeCount)),
		"elapsed", humanize.RelTime(time.Now().Add(-elapsed), time.Now(), "", ""),
	)
}
