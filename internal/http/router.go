// Package httpapi wires the Gin engine: cross-cutting middleware, the
// public subscription endpoints and the Basic-auth protected admin API.
//
// Global middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery
//  5. body size limit
//  6. gzip
//  7. Prometheus
//  8. CORS and security headers
//
// The admin group then runs BasicAuth, the Idempotency-Key validator (on
// POST) and a per-user rate limiter; the public group is rate limited per IP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/docs"
	"github.com/tbourn/go-newsletter-backend/internal/auth"
	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/http/handlers"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/idempotency"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// Deps are the collaborators RegisterRoutes needs.
type Deps struct {
	DB     *gorm.DB
	Mailer services.Mailer
	Authn  auth.Authenticator
	// Guard defaults to one built from DB and cfg.IdempotencyTTL.
	Guard          *idempotency.Guard
	TracerProvider trace.TracerProvider
}

const maxBodyBytes = 1 << 20

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	tp := d.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	guard := d.Guard
	if guard == nil {
		guard = idempotency.NewGuard(d.DB, cfg.IdempotencyTTL, tp)
	}

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName, otelgin.WithTracerProvider(tp)))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(middleware.Metrics())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	news := services.NewNewsletterService(d.DB, tp)
	subs := &services.SubscriptionService{
		DB:         d.DB,
		Mailer:     d.Mailer,
		ConfirmURL: cfg.BaseURL + joinPath(cfg.APIBasePath, "/subscriptions/confirm"),
		Tracer:     tp.Tracer("services/SubscriptionService"),
	}
	h := handlers.New(news, subs, guard)

	api := groupWithPrefix(r, cfg.APIBasePath)

	public := api.Group("", middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler())
	public.POST("/subscriptions", h.Subscribe)
	public.GET("/subscriptions/confirm", h.ConfirmSubscription)

	admin := api.Group("/admin", middleware.BasicAuth(d.Authn, "publish"))
	adminRL := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler()
	admin.POST("/newsletters",
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{Required: true}, guard.GetSavedResponse),
		adminRL,
		h.PublishNewsletter,
	)
	admin.GET("/newsletters", adminRL, h.ListNewsletters)
	admin.GET("/newsletters/:id", adminRL, h.GetNewsletter)
}

func corsMiddleware(origins []string) []gin.HandlerFunc {
	conf := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", middleware.HeaderReplayed},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		conf.AllowAllOrigins = true
		// ACAO is forced even without an Origin header so plain probes see it.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(conf),
		}
	}
	conf.AllowOrigins = origins
	return []gin.HandlerFunc{cors.New(conf)}
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "/" {
		return p
	}
	return base + p
}
