// Package log provides structured logging for the loader using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with loader-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(pc uint64, category, name, detail string) // event callback, e.g. for a CLI's live trace view
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnEvent sets the event callback, invoked alongside every Trace call.
func (l *Logger) SetOnEvent(fn func(pc uint64, category, name, detail string)) {
	l.onEvent = fn
}

// Trace logs a loader subsystem event (a relocation applied, a symbol
// resolved, a constructor run) and calls the event callback if set. No
// package in this module calls it; the runtime reports through
// ModuleLoaded, SymbolResolved and ModuleUnloaded instead.
func (l *Logger) Trace(pc uint64, category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(pc, category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.Uint64("pc", pc),
	)
}

// TraceSimple logs an event without a PC (uses 0).
func (l *Logger) TraceSimple(category, name, detail string) {
	l.Trace(0, category, name, detail)
}

// ModuleLoaded logs a module entering the graph.
func (l *Logger) ModuleLoaded(name string, loadBias uint64, startup bool) {
	l.Info("module loaded",
		zap.String("name", name),
		Addr(loadBias),
		zap.Bool("startup", startup),
	)
}

// ModuleUnloaded logs a module leaving the graph.
func (l *Logger) ModuleUnloaded(name string) {
	l.Info("module unloaded", zap.String("name", name))
}

// SymbolResolved logs a successful dlsym lookup.
func (l *Logger) SymbolResolved(symbol, definingModule string) {
	l.Debug("symbol resolved",
		zap.String("symbol", symbol),
		zap.String("module", definingModule),
	)
}

// SymbolUndefined logs a relocation that could not be resolved.
func (l *Logger) SymbolUndefined(symbol, origin string) {
	l.Warn("symbol undefined",
		zap.String("symbol", symbol),
		zap.String("origin", origin),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
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

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
