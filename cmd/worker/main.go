// Command worker drains the issue delivery queue until it receives SIGINT or
// SIGTERM. Run as many copies as needed; they coordinate through the store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/delivery"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	sysutil.SetupLogger(os.Stderr, cfg.LogPretty, cfg.OTEL.ServiceName+"-worker")
	sysutil.SetLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup otel")
	}

	log.Info().Int("concurrency", cfg.Worker.Concurrency).Str("driver", cfg.DB.Driver).Msg("delivery worker starting")
	runErr := delivery.RunUntilStopped(ctx, cfg, delivery.WithTracerProvider(tel.TracerProvider))

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tel.Shutdown(sctx)

	if runErr != nil {
		log.Error().Err(runErr).Msg("delivery worker failed")
		os.Exit(1)
	}
	log.Info().Msg("delivery worker stopped")
}
