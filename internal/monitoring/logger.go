package monitoring

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(io.Discard)
)

// InitLogger builds the console logger used by every component, tags it with
// the application name and installs it as the default. Logf is pointed at the
// same sink so printf-style call sites end up in one stream.
func InitLogger(app string, level zerolog.Level) zerolog.Logger {
	return InitLoggerTo(os.Stdout, app, level)
}

// InitLoggerTo is InitLogger with an explicit writer.
func InitLoggerTo(w io.Writer, app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    w != io.Writer(os.Stdout),
	}
	l := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	SetLogger(func(format string, v ...interface{}) {
		l.Info().Msgf(format, v...)
	})
	return l
}

// Logger returns the logger installed by InitLogger. Before initialisation it
// discards everything.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Component returns the default logger with a component field set.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// ParseLevel maps a --log-level value to a zerolog level; unknown names fall
// back to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
