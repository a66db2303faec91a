package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/callmanager/internal/config"
	"github.com/ehr/callmanager/internal/domain/callsession"
	"github.com/ehr/callmanager/internal/domain/mcp"
	"github.com/ehr/callmanager/internal/platform/auth"
	"github.com/ehr/callmanager/internal/platform/db"
	"github.com/ehr/callmanager/internal/platform/hipaa"
	"github.com/ehr/callmanager/internal/platform/middleware"
	"github.com/ehr/callmanager/internal/platform/sandbox"
	"github.com/ehr/callmanager/internal/platform/telemetry"
	"github.com/ehr/callmanager/internal/platform/webhook"
	"github.com/ehr/callmanager/internal/platform/websocket"
)

const apiPrefix = "/api/call-manager"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the call manager API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

// server is the assembled HTTP surface and the collaborators tests poke at.
type server struct {
	echo      *echo.Echo
	hub       *websocket.Hub
	policy    *mcp.Holder
	svc       *callsession.Service
	metrics   *telemetry.Metrics
	webhooks  *webhook.Dispatcher
	accessLog hipaa.AccessStore
}

// Close drains pending webhook deliveries.
func (s *server) Close(ctx context.Context) error {
	if s.webhooks == nil {
		return nil
	}
	return s.webhooks.Close(ctx)
}

func newWebhooks(cfg *config.Config, logger zerolog.Logger) (*webhook.Dispatcher, error) {
	if len(cfg.WebhookURLs) == 0 {
		return nil, nil
	}
	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret, Events: cfg.WebhookEvents})
	}
	return webhook.NewDispatcher(endpoints, logger.With().Str("component", "webhook").Logger(),
		webhook.WithMaxRetries(cfg.WebhookMaxRetries))
}

func buildServer(cfg *config.Config, logger zerolog.Logger, b *backend) (*server, error) {
	initial, err := mcp.LoadFile(cfg.MCPPolicyFile)
	if err != nil {
		return nil, err
	}
	holder, err := mcp.NewHolder(initial)
	if err != nil {
		return nil, err
	}

	hub := websocket.NewHub(logger)
	events := websocket.Fanout{hub}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
		metrics.RegisterGauge("callmanager_websocket_clients", "Connected websocket clients.",
			func() float64 { return float64(hub.ClientCount()) })
		events = append(events, metrics)
	}

	hooks, err := newWebhooks(cfg, logger)
	if err != nil {
		return nil, err
	}
	if hooks != nil {
		events = append(events, hooks)
		if metrics != nil {
			metrics.RegisterCounter("callmanager_webhook_delivered_total", "Webhook deliveries that succeeded.",
				func() float64 { return float64(hooks.Stats().Delivered) })
			metrics.RegisterCounter("callmanager_webhook_failed_total", "Webhook deliveries that exhausted retries.",
				func() float64 { return float64(hooks.Stats().Failed) })
			metrics.RegisterCounter("callmanager_webhook_dropped_total", "Webhook deliveries dropped on a full queue.",
				func() float64 { return float64(hooks.Stats().Dropped) })
		}
	}

	svc := callsession.NewService(b.store, holder, nil, events, logger)
	accessLog := b.accessLog()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		authMW = auth.DevAuthMiddleware(jwtConfig(cfg))
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}

	rateLimit := middleware.DefaultRateLimitConfig()
	rateLimit.RequestsPerSecond = cfg.RateLimitRPS
	rateLimit.BurstSize = cfg.RateLimitBurst

	// Tenant scoping holds a connection for the request, so the websocket
	// feed only resolves the tenant.
	apiMW := []echo.MiddlewareFunc{authMW, middleware.RateLimit(rateLimit)}
	wsMW := []echo.MiddlewareFunc{authMW}
	if b.pool != nil {
		apiMW = append(apiMW, db.TenantMiddleware(b.pool, cfg.DefaultTenant))
		wsMW = append(wsMW, db.ResolveTenant(cfg.DefaultTenant))
	}
	apiMW = append(apiMW, middleware.Audit(logger, apiPrefix, hipaa.Recorder{Store: accessLog}))

	api := e.Group(apiPrefix, apiMW...)
	callsession.NewHandler(svc).RegisterRoutes(api)
	mcp.NewHandler(holder, events, logger).RegisterRoutes(api)
	hipaa.NewHandler(accessLog).RegisterRoutes(api)

	ws := e.Group(apiPrefix, wsMW...)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(ws)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    version,
			"backend":    b.name,
			"ws_clients": hub.ClientCount(),
		})
	})
	if p := b.pinger(); p != nil {
		e.GET("/health/db", db.HealthHandler(b.name, p))
	}
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	return &server{
		echo: e, hub: hub, policy: holder, svc: svc,
		metrics: metrics, webhooks: hooks, accessLog: accessLog,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open call store")
		return err
	}
	defer b.Close()

	if b.pool != nil {
		if err := db.CreateTenantSchema(ctx, b.pool, cfg.DefaultTenant, db.PostgresMigrations(cfg.MigrationsDir)); err != nil {
			return err
		}
	}

	if cfg.SeedDemoData {
		if err := seedBackend(ctx, b, cfg.DefaultTenant, logger, false); err != nil {
			return err
		}
	}

	srv, err := buildServer(cfg, logger, b)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", b.name).
			Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if err := srv.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending webhook deliveries abandoned")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func seedBackend(ctx context.Context, b *backend, tenantID string, logger zerolog.Logger, force bool) error {
	ctx, release, err := b.tenantContext(ctx, tenantID)
	if err != nil {
		return err
	}
	defer release()

	res, err := sandbox.NewSeeder(b.store, logger).Seed(ctx, force)
	if err != nil {
		return err
	}
	if !res.Skipped {
		logger.Info().Int("active", res.Active).Int("history", res.History).Msg("demo data loaded")
	}
	return nil
}
