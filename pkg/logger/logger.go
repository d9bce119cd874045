// pkg/logger/logger.go

package logger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/shared"
)

var log *zap.Logger

// L returns the process-wide logger. InitializeWithFallback must run first.
func L() *zap.Logger {
	return log
}

// ParseLogLevel maps a LOG_LEVEL env value onto a zap level, defaulting to Info.
func ParseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DefaultConsoleEncoderConfig renders human-facing console output.
func DefaultConsoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

// FindWritableLogPath probes the system log directory first, then the
// invoking user's home. Provisioning usually runs as root, so the system
// path normally wins.
func FindWritableLogPath() (string, error) {
	candidates := []string{
		filepath.Join(shared.LogDir, "harpy.log"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".harpy", "harpy.log"))
	}

	for _, path := range candidates {
		if err := ensureLogFile(path); err == nil {
			return path, nil
		}
	}
	return "", os.ErrPermission
}

func ensureLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// NewFallbackLogger builds a console-only logger for when no log path is
// writable. Never fails.
func NewFallbackLogger() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(DefaultConsoleEncoderConfig()),
		zapcore.Lock(os.Stderr),
		ParseLogLevel(os.Getenv("LOG_LEVEL")),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// InitializeWithFallback sets up a tee of console output plus a JSON log
// file, degrading to console-only when no file path is writable. It also
// installs the otelzap globals so packages can use otelzap.Ctx.
func InitializeWithFallback() {
	level := ParseLogLevel(os.Getenv("LOG_LEVEL"))

	path, err := FindWritableLogPath()
	if err != nil {
		log = NewFallbackLogger()
		installGlobals(log)
		log.Warn("No writable log path found, logging to console only")
		return
	}

	jsonCfg := zap.NewProductionEncoderConfig()
	jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	fileSink, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log = NewFallbackLogger()
		installGlobals(log)
		log.Warn("Could not open log file, logging to console only",
			zap.String("path", path), zap.Error(err))
		return
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(DefaultConsoleEncoderConfig()), zapcore.Lock(os.Stderr), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.AddSync(fileSink), level),
	)

	log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	installGlobals(log)
	log.Debug("Logger initialized", zap.String("log_path", path))
}

func installGlobals(l *zap.Logger) {
	zap.ReplaceGlobals(l)
	otelzap.ReplaceGlobals(otelzap.New(l, otelzap.WithMinLevel(zapcore.DebugLevel)))
}

// Sync flushes buffered log entries. Safe to call on a nil logger.
func Sync() error {
	if log == nil {
		return nil
	}
	// Console sinks on stderr routinely fail to sync; ignore those.
	if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
		return err
	}
	return nil
}
