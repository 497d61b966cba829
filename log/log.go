// Package log provides the process-wide logger for flowrun.
//
// The default logger is a zap sugared logger writing console-encoded lines to
// stdout. Components accept a Logger so tests and embedders can substitute
// their own implementation.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level names accepted by SetLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var zapLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Logger is the logging interface used throughout flowrun.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
}

// Default is the logger used when a component is not given one.
var Default Logger = New(os.Stdout, false)

// New builds a zap-backed Logger writing to w at the shared level. With json
// set, lines are JSON encoded instead of console encoded.
func New(w io.Writer, json bool) Logger {
	enc := zapcore.NewConsoleEncoder(encoderConfig)
	if json {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	}
	return zap.New(
		zapcore.NewCore(enc, zapcore.AddSync(w), zapLevel),
		zap.AddCaller(),
	).Sugar()
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return zap.NewNop().Sugar()
}

// SetLevel sets the shared level. Unknown names select info.
func SetLevel(level string) {
	switch level {
	case LevelDebug:
		zapLevel.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		zapLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		zapLevel.SetLevel(zapcore.ErrorLevel)
	default:
		zapLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Level returns the current shared level name.
func Level() string {
	return zapLevel.Level().String()
}

// Debugf logs to the default logger at debug level.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Infof logs to the default logger at info level.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warnf logs to the default logger at warn level.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Errorf logs to the default logger at error level.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }
