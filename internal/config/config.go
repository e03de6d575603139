// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the database connection, the SMTP mailer, the delivery worker,
// rate limiting and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-newsletter-backend/internal/secret"
	"github.com/tbourn/go-newsletter-backend/internal/sysutil"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and tunes the relational store.
type DBConfig struct {
	Driver           string        // sqlite|postgres
	Path             string        // SQLite file path
	URL              secret.Secret // Postgres DSN; carries the password
	MaxOpenConns     int           // Postgres pool size
	StatementTimeout time.Duration // Postgres statement_timeout
	IdleTxTimeout    time.Duration // Postgres idle_in_transaction_session_timeout
}

// EmailConfig holds the SMTP settings used by the mailer.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password secret.Secret
	Sender   string
	Timeout  time.Duration
}

// WorkerConfig tunes the delivery worker loop.
type WorkerConfig struct {
	Concurrency       int           // loops per process
	EmptyQueueBackoff time.Duration // sleep after an empty poll
	ErrorBackoff      time.Duration // sleep after a failed poll
	Embedded          bool          // run the loop inside the API process; dev only on SQLite
}

// AdminConfig holds the single publisher account.
type AdminConfig struct {
	Username     string
	PasswordHash secret.Secret // bcrypt hash
	UserID       string        // optional fixed owner id for idempotency records
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	BaseURL           string        // public URL used in confirmation links

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB     DBConfig
	Email  EmailConfig
	Worker WorkerConfig
	Admin  AdminConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL         time.Duration // how long a saved response is kept
	IdempotencyJanitorTick time.Duration // how often expired records are purged

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		BaseURL:           strings.TrimRight(getenv("APP_BASE_URL", "http://localhost:8080"), "/"),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver:           strings.ToLower(getenv("DB_DRIVER", DriverSQLite)),
			Path:             getenv("DB_PATH", "app.db"),
			URL:              secret.New(sysutil.FirstNonEmpty(os.Getenv("DB_URL"), os.Getenv("DATABASE_URL"))),
			MaxOpenConns:     getint("DB_MAX_OPEN_CONNS", 10),
			StatementTimeout: getdur("DB_STATEMENT_TIMEOUT", 30*time.Second),
			IdleTxTimeout:    getdur("DB_IDLE_TX_TIMEOUT", 60*time.Second),
		},
		Email: EmailConfig{
			SMTPHost: getenv("SMTP_HOST", "localhost"),
			SMTPPort: getint("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: secret.New(os.Getenv("SMTP_PASSWORD")),
			Sender:   getenv("EMAIL_SENDER", "newsletter@example.com"),
			Timeout:  getdur("SMTP_TIMEOUT", 10*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:       getint("WORKER_CONCURRENCY", 1),
			EmptyQueueBackoff: getdur("WORKER_EMPTY_BACKOFF", 10*time.Second),
			ErrorBackoff:      getdur("WORKER_ERROR_BACKOFF", time.Second),
			Embedded:          getbool("WORKER_EMBEDDED", false),
		},
		Admin: AdminConfig{
			Username:     getenv("ADMIN_USERNAME", "admin"),
			PasswordHash: secret.New(os.Getenv("ADMIN_PASSWORD_HASH")),
			UserID:       getenv("ADMIN_USER_ID", ""),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL:         getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyJanitorTick: getdur("IDEMPOTENCY_JANITOR_INTERVAL", time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-newsletter-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = DriverPostgres
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres:
		if cfg.DB.URL.IsZero() {
			return cfg, errors.New("DB_URL (or DATABASE_URL) is required for the postgres driver")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.DB.MaxOpenConns < 1 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 1")
	}
	if cfg.DB.StatementTimeout < 0 || cfg.DB.IdleTxTimeout < 0 {
		return cfg, errors.New("DB_STATEMENT_TIMEOUT and DB_IDLE_TX_TIMEOUT must be >= 0")
	}
	if cfg.Email.SMTPPort <= 0 || cfg.Email.SMTPPort > 65535 {
		return cfg, errors.New("SMTP_PORT must be in 1..65535")
	}
	if strings.TrimSpace(cfg.Email.Sender) == "" {
		return cfg, errors.New("EMAIL_SENDER must not be empty")
	}
	if cfg.Email.Timeout <= 0 {
		return cfg, errors.New("SMTP_TIMEOUT must be > 0")
	}
	if cfg.Worker.Concurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Worker.EmptyQueueBackoff <= 0 || cfg.Worker.ErrorBackoff <= 0 {
		return cfg, errors.New("worker backoffs must be positive durations")
	}
	if strings.TrimSpace(cfg.Admin.Username) == "" {
		return cfg, errors.New("ADMIN_USERNAME must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.IdempotencyJanitorTick <= 0 {
		return cfg, errors.New("IDEMPOTENCY_JANITOR_INTERVAL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

// EmbeddedWorkerStallsRequests reports whether the embedded delivery loop
// shares SQLite's single connection with the HTTP server. A loop holds that
// connection for a whole SMTP send, so requests wait up to Email.Timeout.
func (c Config) EmbeddedWorkerStallsRequests() bool {
	return c.Worker.Embedded && c.DB.Driver == DriverSQLite
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
