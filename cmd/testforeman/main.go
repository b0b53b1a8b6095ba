package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/trusch/testforeman/pkg/config"
	"github.com/trusch/testforeman/pkg/logging"
	"github.com/trusch/testforeman/pkg/notifier"
	"github.com/trusch/testforeman/pkg/server"
)

var (
	host            = pflag.StringP("host", "i", "localhost", "IP or hostname to listen on")
	port            = pflag.IntP("port", "p", 8888, "port to listen on")
	configFile      = pflag.StringP("config", "c", "", "optional config file")
	logLevel        = pflag.String("log-level", "debug", "log level")
	showVersion     = pflag.BoolP("version", "v", false, "show version")
	Version, Commit string
)

func main() {
	pflag.Parse()

	if *showVersion {
		fmt.Printf("Version: %s\nCommit: %s\n", Version, Commit)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().
			Err(err).
			Str("file", *configFile).
			Msg("failed to load config")
	}

	if err := logging.Setup(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("failed to setup logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("storage", string(cfg.Storage.Type)).
			Msg("failed to create server")
	}

	err = srv.Listen(ctx)
	if err != nil {
		log.Error().
			Err(err).
			Msg("server stopped unexpectedly")
	}

	sendSummary(cfg, srv)

	if closeErr := srv.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("failed to close storage")
	}
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (cfg config.ServerConfig, err error) {
	cfg = config.Default()
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
		if err != nil {
			return cfg, err
		}
	}
	// flags given on the command line win over the file
	if *configFile == "" || pflag.CommandLine.Changed("host") {
		cfg.Host = *host
	}
	if *configFile == "" || pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if *configFile == "" || pflag.CommandLine.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	return cfg, nil
}

func sendSummary(cfg config.ServerConfig, srv *server.Server) {
	if len(cfg.Notifications) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	nodes, err := srv.Table().ListNodes(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to collect run summary")
		return
	}
	// failures are logged by the notifier
	_ = notifier.NewNotifier(cfg.Notifications).SendRunSummary(ctx, nodes)
}
