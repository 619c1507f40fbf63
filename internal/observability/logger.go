// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger is called so packages and tests can log unconditionally.
var CLILogger = zap.NewNop()

var (
	loggerMu  sync.Mutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseCore  zapcore.Core
	loggerTag string
)

// InitCLILogger builds a console logger on stderr. Verbose forces debug level.
func InitCLILogger(name string, verbose bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	baseCore = zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	loggerTag = name
	CLILogger = zap.New(baseCore).Named(name)
}

// SetLevel changes the level of every core attached to CLILogger.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// AttachJobLog tees CLILogger into <dir>/gorum.log as JSON lines, rotated by
// size. The returned func detaches the file and restores the console-only
// logger.
func AttachJobLog(dir string) (func(), error) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if baseCore == nil {
		return func() {}, fmt.Errorf("logger is not initialized")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return func() {}, fmt.Errorf("create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "gorum.log"),
		MaxSize:    50,
		MaxBackups: 5,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		level,
	)
	CLILogger = zap.New(zapcore.NewTee(baseCore, fileCore)).Named(loggerTag).With(zap.Int("pid", os.Getpid()))

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		_ = CLILogger.Sync()
		CLILogger = zap.New(baseCore).Named(loggerTag)
		_ = rotator.Close()
	}, nil
}
