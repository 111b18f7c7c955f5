package main

import (
	"context"
	"fmt"
	"time"

	"billingsync/internal/caching"
	"billingsync/internal/config"
	"billingsync/internal/jobs"
	"billingsync/internal/logging"
	"billingsync/internal/repositories"
	"billingsync/internal/services"
	"billingsync/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	planLocalTTL       = time.Minute
	reconcileBaseDelay = 25 * time.Millisecond
)

// app holds the wired core shared by every subcommand
type app struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	cache caching.CacheService

	subs     repositories.SubscriptionRepository
	payments repositories.PaymentRepository
	users    repositories.UserRepository
	plans    repositories.PlanRepository

	catalog    services.PlanCatalogService
	billing    services.BillingService
	notifier   services.Notifier
	reconciler services.ReconciliationService
	sweeps     *jobs.SweepService

	closers []func()
}

// loadConfig loads settings and configures the global logger from them
func loadConfig(component string) (*config.Config, error) {
	logging.Init(logging.Config{Format: "console", Level: "info", Component: component})

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: component,
	})
	return cfg, nil
}

// connect opens the database pool only
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return database.NewPool(ctx, cfg.Database.URL, database.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
}

// newApp wires repositories, cache, provider client, notifiers, dispatcher and sweeps
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, pool: pool}
	a.closers = append(a.closers, pool.Close)

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.subs = repositories.NewSubscriptionRepo(pool)
	a.payments = repositories.NewPaymentRepo(pool)
	a.users = repositories.NewUserRepo(pool)
	a.plans = repositories.NewPlanRepo(pool)

	if cfg.Redis.Addr != "" {
		cache := caching.NewRedisCacheService(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.cache = cache
		a.closers = append(a.closers, func() {
			if err := cache.Close(); err != nil {
				log.Warn().Err(err).Msg("close redis")
			}
		})
	}
	a.catalog = services.NewPlanCatalogService(a.plans, a.cache, planLocalTTL, cfg.Redis.PlanTTL)

	if cfg.Stripe.SecretKey != "" {
		a.billing = services.NewStripeBillingService(services.BillingConfig{
			SecretKey:      cfg.Stripe.SecretKey,
			Timeout:        cfg.Stripe.Timeout,
			MaxFailures:    cfg.Stripe.BreakerMaxFailures,
			OpenTimeout:    cfg.Stripe.BreakerOpenTimeout,
			HalfOpenProbes: cfg.Stripe.BreakerHalfOpenProbes,
		})
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, provider calls disabled")
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.notifier = notifier

	a.reconciler = services.NewReconciliationService(a.subs, a.users, a.payments, a.catalog, a.billing, a.notifier,
		services.ReconcileConfig{
			MaxAttempts: cfg.Reconcile.MaxAttempts,
			GracePeriod: cfg.Reconcile.GracePeriod,
			BaseBackoff: reconcileBaseDelay,
		})

	a.sweeps = jobs.NewSweepService(a.subs, a.payments, a.reconciler, jobs.SweepConfig{
		BatchSize:         cfg.Sweep.BatchSize,
		Concurrency:       cfg.Sweep.Concurrency,
		ProviderRPS:       cfg.Sweep.ProviderRPS,
		GracePeriod:       cfg.Reconcile.GracePeriod,
		PendingPaymentTTL: cfg.Sweep.PendingPaymentTTL,
	})
	return a, nil
}

// buildNotifier fans out to every configured sink; the log sink is always present
func (a *app) buildNotifier() (services.Notifier, error) {
	sinks := []services.Notifier{services.NewLogNotifier()}

	if a.cfg.AMQP.URL != "" {
		pub, err := services.NewRabbitMQPublisher(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange)
		if err != nil {
			return nil, fmt.Errorf("notification publisher: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("close rabbitmq publisher")
			}
		})
		sinks = append(sinks, services.NewAMQPNotifier(pub))
	}

	if a.cfg.Postmark.ServerToken != "" {
		sinks = append(sinks, services.NewPostmarkNotifier(services.EmailConfig{
			ServerToken:  a.cfg.Postmark.ServerToken,
			AccountToken: a.cfg.Postmark.AccountToken,
			From:         a.cfg.Postmark.FromEmail,
			ReplyTo:      a.cfg.Postmark.ReplyTo,
		}, a.users))
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return services.NewFanOutNotifier(sinks...), nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
