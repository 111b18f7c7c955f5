package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "billingsync/docs"
	"billingsync/internal/handlers"
	"billingsync/internal/jobs/background"
	"billingsync/internal/logging"
	"billingsync/internal/middleware"
	"billingsync/internal/services"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	echoSwagger "github.com/swaggo/echo-swagger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingress, admin API and periodic sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(parent context.Context) error {
	cfg, err := loadConfig("billingsync")
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	archive := services.NewNoopArchiveService()
	if cfg.Archive.Enabled {
		archive, err = services.NewMinioArchiveService(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.Bucket, cfg.Archive.UseSSL)
		if err != nil {
			return err
		}
		if err := archive.EnsureBucketExists(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.Archive.Bucket).Msg("webhook archive bucket unavailable")
		}
	}

	adminAuth, stopJWKS, err := middleware.AdminJWT(middleware.AdminAuthConfig{
		Secret:  cfg.Admin.JWTSecret,
		JWKSURL: cfg.Admin.JWKSURL,
		Role:    cfg.Admin.Role,
	})
	if err != nil {
		return err
	}
	defer stopJWKS()

	var scheduler *background.JobScheduler
	if cfg.Sweep.Enabled {
		scheduler, err = background.NewJobScheduler(a.sweeps, background.Intervals{
			Expiry:          cfg.Sweep.ExpiryInterval,
			ScheduledChange: cfg.Sweep.ScheduledChangeInterval,
			Cleanup:         cfg.Sweep.CleanupInterval,
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		log.Info().Strs("jobs", scheduler.JobNames()).Msg("sweep scheduler started")
	}

	var sweepTrigger handlers.SweepTrigger
	if scheduler != nil {
		sweepTrigger = scheduler
	}

	var cachePinger, archivePinger handlers.Pinger
	if a.cache != nil {
		cachePinger = a.cache
	}
	if cfg.Archive.Enabled {
		archivePinger = archive
	}

	health := handlers.NewHealthHandlers(a.pool, cachePinger, archivePinger, Version)
	webhooks := handlers.NewWebhookHandlers(a.reconciler, a.cache, archive, cfg.Stripe.WebhookSecret, cfg.Redis.EventTTL)
	admin := handlers.NewAdminHandlers(a.reconciler, a.catalog, services.NewHistoryService(a.users, a.subs, a.payments))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echoMiddleware.RequestID())
	e.Use(logging.RequestLogger())
	e.Use(echoMiddleware.Recover())

	e.GET("/health", health.HealthCheck)
	e.GET("/health/live", health.LivenessCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if !cfg.IsProduction() {
		e.GET("/swagger/*", echoSwagger.WrapHandler)
	}

	e.POST("/webhooks/stripe", webhooks.StripeWebhook)

	versions := middleware.NewVersions(Version, middleware.APIVersion{
		Name:      "v1",
		Sunset:    cfg.Admin.APISunset,
		Successor: cfg.Admin.APISuccessor,
	})
	v1 := versions.Group(e, "v1")
	adminGroup := v1.Group("/admin", middleware.AdminAudit(), adminAuth)
	adminGroup.GET("/plans", admin.ListPlans)
	adminGroup.GET("/subscriptions/:id", admin.GetSubscription)
	adminGroup.POST("/subscriptions/:id/revoke", admin.RevokeSubscription)
	adminGroup.POST("/subscriptions/:id/change-plan", admin.ChangePlan)
	adminGroup.POST("/subscriptions/:id/schedule-plan-change", admin.SchedulePlanChange)
	adminGroup.POST("/users/:id/activate-free", admin.ActivateFreePlan)
	adminGroup.GET("/users/:id/history", admin.GetUserHistory)
	adminGroup.POST("/sweeps/:kind/run", handlers.NewSweepHandlers(sweepTrigger).RunSweep)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", Version).Msg("billingsync server starting")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("http server shutdown")
	}
	if scheduler != nil {
		if stopErr := scheduler.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Msg("sweep scheduler shutdown")
		}
	}
	log.Info().Msg("billingsync stopped")
	return err
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
