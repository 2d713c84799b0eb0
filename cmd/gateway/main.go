package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/NexaIT-Poland/RampForge/internal/auth"
	"github.com/NexaIT-Poland/RampForge/internal/config"
	"github.com/NexaIT-Poland/RampForge/internal/feed"
	"github.com/NexaIT-Poland/RampForge/internal/gateway"
	"github.com/NexaIT-Poland/RampForge/internal/logging"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Minimal logger for the bootstrap phase, replaced once config is in.
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, 24*time.Hour)

	server := gateway.NewServer(cfg, verifier, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	source, err := feed.NewSource(cfg.NATSURL, cfg.EventSubject, server.Dispatcher(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to event feed")
	}
	if err := source.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start event feed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	source.Stop()
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
