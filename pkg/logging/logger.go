package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides leveled logging for browserd components.
// Every entry carries a "component" field naming the subsystem that wrote it.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

// Options configures the process-wide base logger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Format is "console" or "json". Defaults to console.
	Format string

	// OutputPaths are zap sink URLs. Defaults to stderr.
	OutputPaths []string
}

var (
	baseMu sync.RWMutex
	base   = zap.NewNop()
)

// Configure builds the base logger every component logger derives from.
// Loggers created before Configure keep writing to the previous base.
func Configure(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "console"
	if opts.Format == "json" {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	baseMu.Lock()
	base = logger
	baseMu.Unlock()
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", s)
}

// Zap returns the structured base logger, for HTTP middleware and the like.
func Zap() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// NewLogger creates a logger for a specific component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		sugar:     Zap().With(zap.String("component", component)).Sugar(),
	}
}

// With returns a child logger carrying the given key/value pairs on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		component: l.component,
		sugar:     l.sugar.With(keysAndValues...),
	}
}

// Component returns the component name this logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Sync flushes buffered entries of the base logger.
func Sync() error {
	return Zap().Sync()
}
