// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"voicelink/internal/config"
)

// Logger pairs the built logger with its adjustable level.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel

	closers []io.Closer
}

// New builds a logger writing to stderr and, when cfg.File is set, to a
// rotating log file.
func New(cfg config.LogConfig) (*Logger, error) {
	return newLogger(cfg, zapcore.Lock(os.Stderr))
}

func newLogger(cfg config.LogConfig, console zapcore.WriteSyncer) (*Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	encCfg := encoderConfig(cfg.Development)
	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, console, level)}
	var closers []io.Closer
	if file := strings.TrimSpace(cfg.File); file != "" {
		if dir := filepath.Dir(file); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    atLeast(cfg.MaxSizeMB, 1),
			MaxBackups: atLeast(cfg.MaxBackups, 0),
			MaxAge:     atLeast(cfg.MaxAgeDays, 0),
		}
		closers = append(closers, rotator)
		// Files always get JSON so they stay machine readable.
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &Logger{
		Logger:  zap.New(zapcore.NewTee(cores...), opts...),
		Level:   level,
		closers: closers,
	}, nil
}

// Close flushes buffered entries and releases the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	var firstErr error
	for _, closer := range l.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func atLeast(value, floor int) int {
	if value < floor {
		return floor
	}
	return value
}
