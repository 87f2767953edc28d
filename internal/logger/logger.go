// Package logger provides the process-wide structured logger for dbsyncd.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu    sync.RWMutex
	base  *zap.Logger
	sugar *zap.SugaredLogger
)

func init() {
	// Safe defaults so packages can log before Initialize runs (tests,
	// early startup failures).
	l, _ := zap.NewProduction()
	setLogger(l)
}

// Option configures logger initialization.
type Option func(*options)

type options struct {
	debug    bool
	filePath string
	maxSize  int
	maxAge   int
	backups  int
}

// WithDebug enables debug-level logging with development encoding.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// WithLogFile adds a rotating file sink alongside stderr.
func WithLogFile(path string) Option {
	return func(o *options) {
		o.filePath = path
	}
}

// Initialize builds the process logger and installs it as the package
// default. It is expected to be called once from the serve command.
func Initialize(opts ...Option) {
	o := &options{
		maxSize: 50, // MB
		maxAge:  14, // days
		backups: 5,
	}
	for _, opt := range opts {
		opt(o)
	}

	level := zapcore.InfoLevel
	if o.debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if o.filePath != "" {
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.filePath,
			MaxSize:    o.maxSize,
			MaxAge:     o.maxAge,
			MaxBackups: o.backups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			fileSink,
			level,
		))
	}

	setLogger(zap.New(zapcore.NewTee(cores...), zap.AddCaller()))
}

func setLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugar = l.Sugar()
}

// NewLogger returns the underlying structured logger, for components
// that scope it with Named().
func NewLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Debugf(format, args...)
}

// Infof logs a formatted info message.
func Infof(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Infof(format, args...)
}

// Info logs an info message.
func Info(msg string) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Info(msg)
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Warnf(format, args...)
}

// Warn logs a warning message.
func Warn(msg string) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Warn(msg)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Errorf(format, args...)
}

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	sugar.Fatalf(format, args...)
}
