// Package observ wires structured logging and the aggregate metrics surface.
// Gate and risk rejections are surfaced here only as counters; individual
// rejections live in the audit log, circuit breaches and collaborator
// failures are logged prominently at the orchestration boundary.
package observ

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. With pretty set, output
// goes through the console writer for interactive runs; otherwise JSON lines.
func SetupLogging(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
