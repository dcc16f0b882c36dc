// Package logging wraps zap with the control plane's conventions: one named
// logger per component, an env-var controlled level, and a development
// console mode for local debugging. Grounded on coglet/internal/logging.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so components can request named children.
type Logger struct {
	*zap.Logger
}

// New builds the root logger. MODUSNAP_LOG_FORMAT=console switches to a
// human-readable encoder for local development; otherwise JSON.
func New(component string) *Logger {
	format := os.Getenv("MODUSNAP_LOG_FORMAT")
	isConsole := format == "console" || format == "development"

	var cfg zap.Config
	if isConsole {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level := os.Getenv("MODUSNAP_LOG_LEVEL"); level != "" {
		if lvl, err := parseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		} else {
			fmt.Fprintf(os.Stderr, "logging: unknown MODUSNAP_LOG_LEVEL %q, defaulting\n", level)
		}
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		// Logging setup must never be fatal to the process; fall back to a
		// no-op logger.
		zl = zap.NewNop()
	}
	return &Logger{Logger: zl.Named(component)}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Named returns a child logger, preserving the wrapper type.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// Sugar returns the sugared form for printf-style logging call sites.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.Logger.Sugar()
}
