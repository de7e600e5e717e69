// Package log provides the vault's structured logging: a global zerolog
// logger, one child logger per component and helpers that tag entries with
// the requesting origin or request.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers. They are rebuilt by Init, so packages must read them
// at construction time rather than caching them at init.
var (
	Keychain  zerolog.Logger
	Discovery zerolog.Logger
	Nonce     zerolog.Logger
	Requests  zerolog.Logger
	Relay     zerolog.Logger
	HWBridge  zerolog.Logger
	Engine    zerolog.Logger
	RPC       zerolog.Logger
	Storage   zerolog.Logger
)

var components = map[string]*zerolog.Logger{
	"keychain":  &Keychain,
	"discovery": &Discovery,
	"nonce":     &Nonce,
	"requests":  &Requests,
	"relay":     &Relay,
	"hwbridge":  &HWBridge,
	"engine":    &Engine,
	"rpc":       &RPC,
	"storage":   &Storage,
}

var (
	fileMu sync.Mutex
	file   *os.File
)

const consoleTimeFormat = "15:04:05"

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init configures the global logger. Console output is colored unless
// jsonOutput is set or stdout is not a terminal. When path is non-empty,
// entries are also appended to that file as JSON.
func Init(level string, jsonOutput bool, path string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout, !term.IsTerminal(int(os.Stdout.Fd())))
	}

	out := console
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		fileMu.Lock()
		if file != nil {
			file.Close()
		}
		file = f
		fileMu.Unlock()
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = newLogger(out, level)
	initComponentLoggers()
	return nil
}

// Close releases the log file opened by Init, if any.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w, false), level)
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat, NoColor: noColor}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// parseLevel maps a config level to zerolog, defaulting to info.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel || lvl > zerolog.ErrorLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func initComponentLoggers() {
	for name, l := range components {
		*l = WithComponent(name)
	}
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithOrigin returns a logger tagged with the requesting origin.
func WithOrigin(l zerolog.Logger, origin string) zerolog.Logger {
	return l.With().Str("origin", origin).Logger()
}

// WithRequest returns a logger tagged with a queued request.
func WithRequest(l zerolog.Logger, id uint64, method string) zerolog.Logger {
	return l.With().Uint64("request", id).Str("method", method).Logger()
}
