package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/mailer"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// RunUntilStopped opens the store and the SMTP mailer from cfg and runs
// cfg.Worker.Concurrency loops until ctx is cancelled. Setup failures are
// returned immediately; once the loops run it returns nil after ctx is done.
// Extra options are applied to every loop after the configured backoffs.
// Store spans go to the global tracer provider.
func RunUntilStopped(ctx context.Context, cfg config.Config, opts ...Option) error {
	db, err := repo.Open(cfg.DB, repo.WithTracerProvider(otel.GetTracerProvider()))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeDB(db)

	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	m, err := mailer.NewSMTPClient(cfg.Email)
	if err != nil {
		return fmt.Errorf("build mailer: %w", err)
	}

	return RunPool(ctx, db, m, cfg.Worker, opts...)
}

// RunPool runs wc.Concurrency workers over db until ctx is cancelled.
func RunPool(ctx context.Context, db *gorm.DB, m Mailer, wc config.WorkerConfig, opts ...Option) error {
	n := wc.Concurrency
	if n < 1 {
		n = 1
	}
	base := []Option{
		WithEmptyQueueBackoff(wc.EmptyQueueBackoff),
		WithErrorBackoff(wc.ErrorBackoff),
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		w := New(db, m, append(base, opts...)...)
		w.logger = w.logger.With().Int("worker", i).Logger()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store")
	}
}
