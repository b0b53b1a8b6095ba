package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/trusch/testforeman/pkg/config"
)

// Setup configures the global zerolog logger.
func Setup(cfg config.LogConfig) error {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, out io.Writer) error {
	level := zerolog.DebugLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "", "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	case "console":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}
