// Package logger provides JSON structured logging using zerolog
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var globalLogger zerolog.Logger

type Config struct {
	Level  string
	Output string
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	globalLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init replaces the global logger according to cfg
func Init(cfg Config) error {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}

	globalLogger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return nil
}

// SetOutput redirects the global logger, keeping its level
func SetOutput(w io.Writer) {
	globalLogger = globalLogger.Output(w)
}

// Debug starts a debug level event
func Debug() *zerolog.Event {
	return globalLogger.Debug()
}

// Info starts an info level event
func Info() *zerolog.Event {
	return globalLogger.Info()
}

// Warn starts a warn level event
func Warn() *zerolog.Event {
	return globalLogger.Warn()
}

// Error starts an error level event
func Error() *zerolog.Event {
	return globalLogger.Error()
}

// Fatal starts a fatal event; the process exits after Msg
func Fatal() *zerolog.Event {
	return globalLogger.Fatal()
}

// WithComponent returns a child logger tagged with component
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}
