package goprobe

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger returns a console logger writing to w, stderr when nil. Frame
// traces are only emitted at zerolog.TraceLevel.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.StampMilli,
	}
	logger := zerolog.New(output).Level(level).With().Timestamp().Str("app", "goprobe").Logger()
	log.Logger = logger
	return logger
}

// LevelFor maps the command line verbosity flags to a level.
func LevelFor(debug, trace bool) zerolog.Level {
	switch {
	case trace:
		return zerolog.TraceLevel
	case debug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
