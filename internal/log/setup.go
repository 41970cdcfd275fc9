// Package log wires the global zerolog logger and provides terminal
// progress rendering for long-running commands.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cyclerun/cyclerun/internal/config"
)

// Setup configures the global logger: console output on stderr, optional
// rotating JSON file sink when cfg.File is set.
func Setup(cfg config.LogSection) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}

	var sink io.Writer = console
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		sink = zerolog.MultiLevelWriter(console, rotating)
	}

	zlog.Logger = zerolog.New(sink).With().Timestamp().Logger()
}
