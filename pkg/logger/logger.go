// Package logger provides component-scoped structured logging for WAFleet.
// Every log line carries a component tag ("manager", "store", "api", ...)
// so a single process multiplexing dozens of tenants stays greppable.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Setup configures the global log level and output format. When pretty is
// false the output is raw JSON, suitable for log shippers.
func Setup(level string, pretty bool) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	} else {
		root = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
}

func logWith(evt *zerolog.Event, component, msg string, fields map[string]interface{}) {
	evt = evt.Str("component", component)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}

func get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := root
	return &l
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { logWith(get().Debug(), component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	logWith(get().Debug(), component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) { logWith(get().Info(), component, msg, nil) }

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	logWith(get().Info(), component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) { logWith(get().Warn(), component, msg, nil) }

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	logWith(get().Warn(), component, msg, fields)
}

// ErrorC logs an error message for a component.
func ErrorC(component, msg string) { logWith(get().Error(), component, msg, nil) }

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	logWith(get().Error(), component, msg, fields)
}
