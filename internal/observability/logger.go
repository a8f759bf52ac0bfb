// Package observability owns the process loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by command implementations.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and everything it wires.
	ServerLogger = zap.NewNop()
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// InitCLILogger configures CLILogger. Output goes to stderr so command
// output on stdout stays machine-readable.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(name, level, isTerminal(os.Stderr.Fd()))
}

// InitServerLogger configures ServerLogger from a level name and profile.
// An empty profile picks the console encoder on a terminal.
func InitServerLogger(name, level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	console := isTerminal(os.Stderr.Fd())
	switch strings.ToUpper(profile) {
	case ProfileStructured:
		console = false
	case ProfileConsole:
		console = true
	}
	ServerLogger = newLogger(name, lvl, console)
	return nil
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func newLogger(name string, level zapcore.Level, console bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if console {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()).Named(name)
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
