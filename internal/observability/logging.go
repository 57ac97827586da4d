package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger for a component.
// Level comes from LENDVAULT_LOG_LEVEL (default info). When LENDVAULT_LOG_FILE
// is set, logs are also written to that file with size-based rotation.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("LENDVAULT_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput(os.Getenv("LENDVAULT_LOG_FILE"))).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

var (
	sinksMu   sync.Mutex
	fileSinks = map[string]io.Writer{}
)

// logOutput returns stdout, tee'd into a rotating file when path is set.
// Loggers sharing a path share one rotator.
func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	sinksMu.Lock()
	defer sinksMu.Unlock()
	sink, ok := fileSinks[path]
	if !ok {
		sink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		fileSinks[path] = sink
	}
	return zerolog.MultiLevelWriter(os.Stdout, sink)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
