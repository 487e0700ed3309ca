package core

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/mattn/go-colorable"
	color "github.com/mgutz/ansi"
	"github.com/rs/zerolog"
)

// subLogger is a thin wrapper around zerolog.Logger for a single daemon
// subsystem (CONF, SVSR, WPAC, BTCD, LNDC, NETR, PROT, DAEM).
type subLogger struct {
	SubLogger zerolog.Logger
	Subsystem string
}

var (
	log_level = map[string]zerolog.Level{
		"INFO":  zerolog.InfoLevel,
		"PANIC": zerolog.PanicLevel,
		"FATAL": zerolog.FatalLevel,
		"ERROR": zerolog.ErrorLevel,
		"WARN":  zerolog.WarnLevel,
		"DEBUG": zerolog.DebugLevel,
		"TRACE": zerolog.TraceLevel,
	}
	log_file_name = "ndgd.log"
)

// LogConfig carries the CLI-configurable logging switches the daemon
// starts with (distinct from the UI-mutable PersistedConfig).
type LogConfig struct {
	DataDir       string
	ConsoleOutput bool
}

// InitLogger builds the daemon's root logger: always writes to
// <DataDir>/ndgd.log, and additionally to a colorized console writer when
// ConsoleOutput is set.
func InitLogger(cfg *LogConfig) (zerolog.Logger, error) {
	var logger zerolog.Logger

	logFile, err := os.OpenFile(path.Join(cfg.DataDir, log_file_name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0775)
	if err != nil {
		return zerolog.Logger{}, err
	}

	if cfg.ConsoleOutput {
		output := zerolog.NewConsoleWriter()
		if runtime.GOOS == "windows" {
			output.Out = colorable.NewColorableStdout()
		} else {
			output.Out = os.Stderr
		}
		output.FormatLevel = func(i interface{}) string {
			var msg string
			x := fmt.Sprintf("%v", i)
			switch x {
			case "info":
				msg = color.Color(strings.ToUpper("["+x+"]"), "green")
			case "panic", "fatal", "error":
				msg = color.Color(strings.ToUpper("["+x+"]"), "red")
			case "warn", "debug":
				msg = color.Color(strings.ToUpper("["+x+"]"), "yellow")
			case "trace":
				msg = color.Color(strings.ToUpper("["+x+"]"), "magenta")
			}
			return msg + "\t"
		}
		multi := zerolog.MultiLevelWriter(output, logFile)
		logger = zerolog.New(multi).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(logFile).With().Timestamp().Logger()
	}
	return logger, nil
}

// NewSubLogger tags a child logger with a subsystem name.
func NewSubLogger(l *zerolog.Logger, subsystem string) *subLogger {
	sub := l.With().Str("subsystem", subsystem).Logger()
	return &subLogger{SubLogger: sub, Subsystem: subsystem}
}

// LogWithErrors writes msg at level, returning an error if level isn't
// recognized.
func (s subLogger) LogWithErrors(level, msg string) error {
	lvl, ok := log_level[level]
	if !ok {
		s.SubLogger.Error().Msgf("log level %v not found", level)
		return fmt.Errorf("log: level %v not found", level)
	}
	s.SubLogger.WithLevel(lvl).Msg(msg)
	return nil
}

// Log writes msg at level, silently falling back to an error-level log of
// its own if level is unrecognized.
func (s subLogger) Log(level, msg string) {
	_ = s.LogWithErrors(level, msg)
}
