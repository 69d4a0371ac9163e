package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"membuf/internal/http"
	"membuf/pkg/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	initLogger(&cfg)

	db, err := engine.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	server := http.NewServer(db, cfg.Server)
	if err := server.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start server")
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	code := 0
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping server")
		code = 1
	}
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("error closing store")
		code = 1
	}

	log.Info().Msg("stopped")
	os.Exit(code)
}
