package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	once          sync.Once
	mu            sync.RWMutex
)

// Init initializes the default logger with a JSON writer on os.Stderr at debug level.
// It ensures that the logger is initialized only once; Configure may replace it later.
func Init() {
	once.Do(func() {
		mu.Lock()
		defaultLogger = zerolog.New(os.Stderr).Level(zerolog.DebugLevel).With().Timestamp().Logger()
		mu.Unlock()
	})
}

// Configure replaces the default logger. format is "json" or "console";
// level is any zerolog level name and falls back to info.
func Configure(level, format string) {
	ConfigureWriter(os.Stderr, level, format)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level, format string) {
	Init()

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(format, "console") || strings.EqualFold(format, "text") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	mu.Lock()
	defaultLogger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Get returns the initialized default logger.
func Get() *zerolog.Logger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	l := defaultLogger
	return &l
}

// With returns a child logger carrying the given key/value pairs.
func With(args ...any) zerolog.Logger {
	return Get().With().Fields(args).Logger()
}

// Info logs an informational message using the default logger.
func Info(msg string, args ...any) {
	Get().Info().Fields(args).Msg(msg)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	Get().Warn().Fields(args).Msg(msg)
}

// Error logs an error message using the default logger.
func Error(msg string, err error, args ...any) {
	Get().Error().Err(err).Fields(args).Msg(msg)
}

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	Get().Debug().Fields(args).Msg(msg)
}
