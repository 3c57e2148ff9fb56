package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/holovitals/ehrsync/internal/domain/audit"
	"github.com/holovitals/ehrsync/internal/domain/conflict"
	"github.com/holovitals/ehrsync/internal/domain/connection"
	"github.com/holovitals/ehrsync/internal/domain/resource"
	"github.com/holovitals/ehrsync/internal/domain/syncjob"
	"github.com/holovitals/ehrsync/internal/domain/webhook"
	"github.com/holovitals/ehrsync/internal/platform/auth"
	"github.com/holovitals/ehrsync/internal/platform/db"
	"github.com/holovitals/ehrsync/internal/platform/metrics"
	"github.com/holovitals/ehrsync/internal/platform/middleware"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
)

func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(metrics.Middleware())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		if cfg.AuthSigningKey == "" {
			a.logger.Warn().Msg("AUTH_SIGNING_KEY is empty; every authenticated request will be rejected")
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", metrics.Handler(a.scrapeHooks()...))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("", middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(requestTimeout))

	connection.NewHandler(a.connections).RegisterRoutes(api)
	syncjob.NewHandler(a.jobs).RegisterRoutes(api)
	webhook.NewHandler(a.receiver).RegisterRoutes(api)
	resource.NewHandler(a.resources).RegisterRoutes(api)
	conflict.NewHandler(a.conflicts).RegisterRoutes(api)
	audit.NewHandler(a.audit).RegisterRoutes(api)

	return e
}

// scrapeHooks refresh sampled gauges before each /metrics scrape.
func (a *app) scrapeHooks() []func() {
	hooks := []func(){func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.jobs.RefreshQueueDepth(ctx)
	}}
	if a.pool != nil {
		hooks = append(hooks, func() { db.RecordPoolStats(a.pool) })
	}
	return hooks
}
