package utils

import (
	"io"
	"os"
	"time"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/rs/zerolog"
)

// Log is the process wide logger.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

func SetLogger(debug bool) {
	level := zerolog.InfoLevel

	// Set debug level
	if debug || os.Getenv(constants.DebugEnvVar) != "" {
		level = zerolog.DebugLevel
	}

	Log = NewLogger(os.Stderr, level)
}

// NewLogger builds a plain console logger, colors off since the output usually lands in a file or kmsg.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.DateTime}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

// SetKmsgLogger routes the logger to the kernel ring buffer, for use while running as init.
func SetKmsgLogger(kmsg string) {
	f, err := os.OpenFile(kmsg, os.O_WRONLY, 0)
	if err != nil {
		Log.Warn().Err(err).Str("what", kmsg).Msg("opening kmsg, keeping stderr")
		return
	}
	out := zerolog.ConsoleWriter{Out: f, NoColor: true, PartsExclude: []string{zerolog.TimestampFieldName}}
	Log = zerolog.New(out).With().Str("prefix", "ksuinit").Logger().Level(zerolog.DebugLevel)
}
