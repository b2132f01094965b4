// Package dllog provides structured logging for the dynamic linker core
// using zap. It mirrors the shape of a typical embedder-facing loader
// logger: one global instance, cheap field constructors, and dedicated
// helpers for the handful of events an embedder actually wants to grep
// for (load start/done, relocation, rollback).
package dllog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. Nil until Init is called (New
	// returns a standalone Logger and leaves L untouched).
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only
// the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a standalone Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger, for tests that don't want log noise.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// LoadStart logs the beginning of a Load, tagged with a correlation id
// so concurrent Open calls can be told apart in the log stream.
func (l *Logger) LoadStart(corrID, path string, flags uint32) {
	l.Debug("load start",
		zap.String("corr", corrID),
		zap.String("path", path),
		zap.Uint32("flags", flags),
	)
}

// LoadDone logs the end of a Load (success or failure).
func (l *Logger) LoadDone(corrID, path string, err error) {
	if err != nil {
		l.Warn("load failed",
			zap.String("corr", corrID),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	l.Info("load done",
		zap.String("corr", corrID),
		zap.String("path", path),
	)
}

// Reloc logs an applied relocation at debug level.
func (l *Logger) Reloc(path string, offset uint64, relType uint32, value uint64) {
	l.Debug("reloc",
		zap.String("path", path),
		Addr(offset),
		zap.Uint32("type", relType),
		zap.String("value", Hex(value)),
	)
}

// Rollback logs a load-failure rollback step.
func (l *Logger) Rollback(path, step string) {
	l.Warn("rollback",
		zap.String("path", path),
		zap.String("step", step),
	)
}

// Unload logs a dlclose-driven unload.
func (l *Logger) Unload(path string) {
	l.Info("unload", zap.String("path", path))
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Hex formats a uint64 as a 0x-prefixed hex string.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Fn creates a function/symbol name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
