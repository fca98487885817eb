package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Configure sets the process-wide level and output format ("json" or "text")
func Configure(level, format string) {
	ConfigureOutput(os.Stdout, level, format)
}

// ConfigureOutput is Configure with an explicit writer
func ConfigureOutput(w io.Writer, level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(format, "text") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	baseMu.Unlock()
}

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	logger zerolog.Logger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	baseMu.RLock()
	zl := base.With().Str("component", prefix).Logger()
	baseMu.RUnlock()

	return &Logger{prefix: prefix, logger: zl}
}

// With returns a child logger carrying the given key-value pairs on every line
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		logger: l.logger.With().Fields(pairs(keysAndValues)).Logger(),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info().Fields(pairs(keysAndValues)).Msg(msg)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(pairs(keysAndValues)).Msg(msg)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(pairs(keysAndValues)).Msg(msg)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(pairs(keysAndValues)).Msg(msg)
}

// pairs drops a dangling key and any pair whose key is not a string
func pairs(keysAndValues []interface{}) []interface{} {
	n := len(keysAndValues) - len(keysAndValues)%2
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		out = append(out, key, keysAndValues[i+1])
	}
	return out
}
