package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/hardensim/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(io.Discard)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration
func Init(debug, verbose, isService bool) {
	InitWithWriter(os.Stdout, debug, verbose, isService)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer, debug, verbose, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.NoColor = true
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(WarnLevel) // Default log level

	if debug {
		SetLogLevel(DebugLevel)
	} else if verbose {
		SetLogLevel(InfoLevel)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// SetLevel sets the global log level by name, as found in configuration.
func SetLevel(name string) error {
	switch strings.ToLower(name) {
	case "debug":
		SetLogLevel(DebugLevel)
	case "info":
		SetLogLevel(InfoLevel)
	case "warning", "warn", "":
		SetLogLevel(WarnLevel)
	case "error":
		SetLogLevel(ErrorLevel)
	default:
		return errors.New().WithData(errors.ErrInvalidLogLevel, name)
	}

	return nil
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(ev *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{ev.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Reason()).
		AnErr("error", err.Unwrap())}
}

// component is a Logger that tags every event with the emitting component.
type component struct {
	name string
}

// New returns a Logger whose events carry a component field.
func New(name string) Logger {
	return &component{name: name}
}

func (c *component) Debug() *LogEvent {
	return &LogEvent{log.Debug().Str("component", c.name)}
}

func (c *component) Info() *LogEvent {
	return &LogEvent{log.Info().Str("component", c.name)}
}

func (c *component) Warn() *LogEvent {
	return &LogEvent{log.Warn().Str("component", c.name)}
}

func (c *component) Error() *LogEvent {
	return &LogEvent{log.Error().Str("component", c.name)}
}

func (c *component) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error().Str("component", c.name), err)
}
