// Package logging provides structured logging for the sync engine.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	global zerolog.Logger
	once   sync.Once
)

// Config controls the global logger.
type Config struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string

	// File, if non-empty, routes output to a rotated log file instead of stderr.
	File string

	// MaxSizeMB is the rotation threshold for File. Zero means the lumberjack
	// default (100 MB).
	MaxSizeMB int
}

// Init initializes the global logger. Safe to call more than once; only the
// first call takes effect.
func Init(cfg Config) {
	once.Do(func() {
		var out io.Writer = os.Stderr
		if cfg.File != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: 3,
			}
		}
		global = zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	})
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() zerolog.Logger {
	Init(Config{Level: "info"})
	return global
}

// Component returns a sub-logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
