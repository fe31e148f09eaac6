package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/app"
	"github.com/PortNumber53/mealplan-billing/internal/config"
	"github.com/PortNumber53/mealplan-billing/internal/httpserver"
	"github.com/PortNumber53/mealplan-billing/internal/logging"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Service: "mealplan-billing",
	})

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer a.Close()

	srv := httpserver.New(cfg, a.ServerDeps())

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.ServerAddress).
		Str("env", cfg.Environment).
		Str("store", cfg.StoreDriver).
		Bool("verify_signatures", a.Dispatcher.VerifiesSignatures()).
		Msg("billing service starting")

	// Run blocks until in-flight requests have drained.
	if err := srv.Run(shutdownCtx, 10*time.Second); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		a.Close()
		os.Exit(1)
	}
	log.Info().Msg("billing service stopped")
}
