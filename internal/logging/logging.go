// Package logging configures the kernel's structured JSON logger. Every
// kernel operation logs through a request-scoped logger carrying run_id,
// step_index, and node_id fields rather than ad-hoc fmt.Println calls.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the root logger. Level is driven by the non-contractual
// DEEPRUN_LOG_LEVEL env knob (read through internal/bas by callers; New
// itself just accepts the resolved level string to stay side-effect free).
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ForRun returns a child logger scoped to one run, carrying the fields the
// kernel attaches to every log line it emits during that run's execution.
func ForRun(base zerolog.Logger, runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}

// ForStep further scopes a run logger to one step index.
func ForStep(base zerolog.Logger, stepIndex int, stepID string) zerolog.Logger {
	return base.With().Int("step_index", stepIndex).Str("step_id", stepID).Logger()
}
