// Package logger provides a process-wide structured logger for MXCP.
//
// The logger is a zap SugaredLogger behind an atomic pointer so that tests
// can swap it without races. Initialize writes JSON unless
// Options.Unstructured selects the human-readable console encoding.
// UnstructuredFromEnv maps UNSTRUCTURED_LOGS onto that option and treats an
// empty or unparseable value as unstructured, so JSON output takes
// UNSTRUCTURED_LOGS=false.
package logger

import (
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// A usable logger must exist before Initialize is called so that
	// package-level log calls during early startup do not panic.
	singleton.Store(zap.NewNop().Sugar())
}

// Options configures logger initialization.
type Options struct {
	// Unstructured selects the console encoder instead of JSON.
	Unstructured bool

	// Debug lowers the level from info to debug.
	Debug bool
}

// Initialize installs the process-wide logger. Safe to call more than once;
// the last call wins.
func Initialize(opts Options) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if opts.Unstructured {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap only fails on invalid config; fall back to a no-op rather
		// than aborting the host process.
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// UnstructuredFromEnv interprets the UNSTRUCTURED_LOGS value the way the
// config layer passes it through: empty or unparseable means unstructured.
func UnstructuredFromEnv(value string) bool {
	if value == "" {
		return true
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return true
	}
	return b
}

func log() *zap.SugaredLogger { return singleton.Load() }

// Sync flushes buffered log entries. Called on shutdown.
func Sync() error { return log().Sync() }

// Debug logs at debug level.
func Debug(args ...any) { log().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { log().Debugf(format, args...) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) { log().Debugw(msg, keysAndValues...) }

// Info logs at info level.
func Info(args ...any) { log().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { log().Infof(format, args...) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, keysAndValues ...any) { log().Infow(msg, keysAndValues...) }

// Warn logs at warn level.
func Warn(args ...any) { log().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { log().Warnf(format, args...) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, keysAndValues ...any) { log().Warnw(msg, keysAndValues...) }

// Error logs at error level.
func Error(args ...any) { log().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { log().Errorf(format, args...) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, keysAndValues ...any) { log().Errorw(msg, keysAndValues...) }

// Panic logs at panic level and then panics.
func Panic(args ...any) { log().Panic(args...) }

// Panicf logs a formatted message at panic level and then panics.
func Panicf(format string, args ...any) { log().Panicf(format, args...) }

// Panicw logs a message with key-value pairs at panic level and then panics.
func Panicw(msg string, keysAndValues ...any) { log().Panicw(msg, keysAndValues...) }
