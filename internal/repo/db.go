// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver) and Postgres, plus schema migrations.
package repo

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// sqlitePragmas are applied per connection through the DSN so they survive
// reconnects.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

type openOptions struct {
	tp     trace.TracerProvider
	logger logger.Interface
}

// OpenOption customizes Open, OpenSQLite and OpenPostgres.
type OpenOption func(*openOptions)

// WithTracerProvider installs the gorm OpenTelemetry plugin using tp.
func WithTracerProvider(tp trace.TracerProvider) OpenOption {
	return func(o *openOptions) { o.tp = tp }
}

// WithLogger overrides gorm's logger (tests pass logger.Silent).
func WithLogger(l logger.Interface) OpenOption {
	return func(o *openOptions) { o.logger = l }
}

// Open connects to the store selected by cfg.Driver.
func Open(cfg config.DBConfig, opts ...OpenOption) (*gorm.DB, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return OpenPostgres(cfg, opts...)
	case config.DriverSQLite, "":
		return OpenSQLite(cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) a SQLite database. The pool is pinned to a
// single connection: SQLite has one writer, and a transaction that holds the
// connection makes every other transaction wait in BeginTx, which is the
// same blocking a Postgres row lock gives concurrent claimers.
func OpenSQLite(path string, opts ...OpenOption) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, err
			}
		}
	}

	o := applyOptions(opts)
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{Logger: o.logger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	// An in-memory database lives only as long as its connection.
	sqlDB.SetConnMaxIdleTime(0)
	sqlDB.SetConnMaxLifetime(0)

	if err := usePlugins(db, o); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenPostgres connects through pgx. statement_timeout and
// idle_in_transaction_session_timeout are sent as startup parameters so a
// claim holder that stalls mid-transaction is eventually cut off by the
// server.
func OpenPostgres(cfg config.DBConfig, opts ...OpenOption) (*gorm.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         o.logger,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := usePlugins(db, o); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates every table the application uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Subscription{},
		&domain.SubscriptionToken{},
		&domain.Issue{},
		&domain.DeliveryTask{},
		&domain.Idempotency{},
	)
}

func applyOptions(opts []OpenOption) openOptions {
	o := openOptions{logger: logger.Default.LogMode(logger.Warn)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func usePlugins(db *gorm.DB, o openOptions) error {
	if o.tp == nil {
		return nil
	}
	return db.Use(tracing.NewPlugin(tracing.WithTracerProvider(o.tp), tracing.WithoutMetrics()))
}

func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	params := make([]string, 0, len(sqlitePragmas))
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func postgresDSN(cfg config.DBConfig) (string, error) {
	dsn := strings.TrimSpace(cfg.URL.Expose())
	if dsn == "" {
		return "", fmt.Errorf("postgres dsn is empty")
	}
	params := map[string]string{}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	if cfg.IdleTxTimeout > 0 {
		params["idle_in_transaction_session_timeout"] = strconv.FormatInt(cfg.IdleTxTimeout.Milliseconds(), 10)
	}
	if len(params) == 0 {
		return dsn, nil
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			// The parse error would echo the password.
			return "", fmt.Errorf("invalid postgres url")
		}
		q := u.Query()
		for k, v := range params {
			if q.Get(k) == "" {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	// keyword/value form
	var b strings.Builder
	b.WriteString(dsn)
	for _, k := range []string{"statement_timeout", "idle_in_transaction_session_timeout"} {
		if v, ok := params[k]; ok && !strings.Contains(dsn, k+"=") {
			b.WriteString(" " + k + "=" + v)
		}
	}
	return b.String(), nil
}
