// Command server runs the newsletter HTTP API. With WORKER_EMBEDDED=true it
// also drains the delivery queue in-process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-newsletter-backend/internal/auth"
	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/delivery"
	httpapi "github.com/tbourn/go-newsletter-backend/internal/http"
	"github.com/tbourn/go-newsletter-backend/internal/idempotency"
	"github.com/tbourn/go-newsletter-backend/internal/mailer"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	sysutil.SetupLogger(os.Stderr, cfg.LogPretty, cfg.OTEL.ServiceName)
	sysutil.SetLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB, repo.WithTracerProvider(tel.TracerProvider))
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	smtp, err := mailer.NewSMTPClient(cfg.Email)
	if err != nil {
		return err
	}
	authn, err := auth.NewStaticAuthenticator(cfg.Admin, auth.NewBlockingPool(0))
	if err != nil {
		return err
	}
	if !authn.Enabled() {
		log.Warn().Msg("ADMIN_PASSWORD_HASH is empty; admin endpoints reject every request")
	}
	guard := idempotency.NewGuard(db, cfg.IdempotencyTTL, tel.TracerProvider)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:             db,
		Mailer:         smtp,
		Authn:          authn,
		Guard:          guard,
		TracerProvider: tel.TracerProvider,
	}, cfg)

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		guard.RunJanitor(ctx, cfg.IdempotencyJanitorTick)
	}()
	if cfg.Worker.Embedded {
		if cfg.EmbeddedWorkerStallsRequests() {
			log.Warn().Dur("email_timeout", cfg.Email.Timeout).
				Msg("embedded worker on sqlite shares its only connection with http; use cmd/worker with postgres outside development")
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			_ = delivery.RunPool(ctx, db, smtp, cfg.Worker, delivery.WithTracerProvider(tel.TracerProvider))
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			bg.Wait()
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(sctx)
	stop()
	bg.Wait()
	return err
}
