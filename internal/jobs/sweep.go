package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/metrics"
	"billingsync/internal/models"
	"billingsync/internal/repositories"
	"billingsync/internal/services"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	KindExpiry          = string(repositories.SweepExpiry)
	KindScheduledChange = string(repositories.SweepScheduledChange)
	KindCleanup         = "cleanup"
)

var ErrUnknownSweepKind = errors.New("unknown sweep kind")

type SweepConfig struct {
	BatchSize   int
	Concurrency int
	// ProviderRPS caps sweep ticks that need a provider lookup
	ProviderRPS       float64
	GracePeriod       time.Duration
	PendingPaymentTTL time.Duration
}

type SweepResult struct {
	Kind       string `json:"kind"`
	Candidates int    `json:"candidates"`
	Changed    int    `json:"changed"`
	Unchanged  int    `json:"unchanged"`
	Failed     int    `json:"failed"`
}

// SweepService turns the passage of time into SweepTick events
type SweepService struct {
	subs       repositories.SubscriptionRepository
	payments   repositories.PaymentRepository
	reconciler services.ReconciliationService
	cfg        SweepConfig
	limiter    *rate.Limiter
	now        func() time.Time
}

func NewSweepService(subs repositories.SubscriptionRepository, payments repositories.PaymentRepository,
	reconciler services.ReconciliationService, cfg SweepConfig) *SweepService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = lifecycle.DefaultGracePeriod
	}
	if cfg.PendingPaymentTTL <= 0 {
		cfg.PendingPaymentTTL = 24 * time.Hour
	}
	limit := rate.Inf
	if cfg.ProviderRPS > 0 {
		limit = rate.Limit(cfg.ProviderRPS)
	}
	return &SweepService{
		subs:       subs,
		payments:   payments,
		reconciler: reconciler,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one pass of the named sweep
func (s *SweepService) Run(ctx context.Context, kind string) (SweepResult, error) {
	switch kind {
	case KindExpiry, KindScheduledChange:
		return s.sweep(ctx, repositories.SweepKind(kind))
	case KindCleanup:
		n, err := s.Cleanup(ctx)
		return SweepResult{Kind: kind, Candidates: int(n), Changed: int(n)}, err
	default:
		return SweepResult{Kind: kind}, fmt.Errorf("%w: %q", ErrUnknownSweepKind, kind)
	}
}

func (s *SweepService) sweep(ctx context.Context, kind repositories.SweepKind) (SweepResult, error) {
	now := s.now()
	result := SweepResult{Kind: string(kind)}

	candidates, err := s.subs.EnumerateSweepCandidates(ctx, kind, now, s.cfg.GracePeriod, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("enumerate %s candidates: %w", kind, err)
	}
	result.Candidates = len(candidates)
	metrics.SweepCandidates.WithLabelValues(string(kind)).Add(float64(len(candidates)))

	var changed, unchanged, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch outcome := s.tick(ctx, candidate, now); outcome {
			case "changed":
				changed.Add(1)
			case "unchanged":
				unchanged.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Changed = int(changed.Load())
	result.Unchanged = int(unchanged.Load())
	result.Failed = int(failed.Load())
	metrics.SweepResults.WithLabelValues(string(kind), "changed").Add(float64(result.Changed))
	metrics.SweepResults.WithLabelValues(string(kind), "unchanged").Add(float64(result.Unchanged))
	metrics.SweepResults.WithLabelValues(string(kind), "failed").Add(float64(result.Failed))

	log.Info().
		Str("sweep", string(kind)).
		Int("candidates", result.Candidates).
		Int("changed", result.Changed).
		Int("failed", result.Failed).
		Msg("sweep pass completed")
	return result, ctx.Err()
}

// tick reconciles one candidate; errors are logged and reported as "failed"
func (s *SweepService) tick(ctx context.Context, candidate *models.UserSubscription, now time.Time) string {
	if lifecycle.NeedsRemoteStatus(candidate, now) {
		if err := s.limiter.Wait(ctx); err != nil {
			return "failed"
		}
	}

	got, err := s.reconciler.Reconcile(ctx, lifecycle.SweepTick{SubscriptionID: candidate.ID, Now: now})
	if err != nil {
		evt := log.Error()
		if errors.Is(err, lifecycle.ErrUpstreamUnavailable) || errors.Is(err, lifecycle.ErrConflict) || errors.Is(err, lifecycle.ErrProviderRejected) {
			evt = log.Warn()
		}
		evt.Err(err).Str("subscription_id", candidate.ID.String()).Msg("sweep tick failed")
		return "failed"
	}
	if got != nil && got.Version != candidate.Version {
		return "changed"
	}
	return "unchanged"
}

// Cleanup fails PENDING payments that never completed
func (s *SweepService) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.PendingPaymentTTL)
	n, err := s.payments.ExpireStalePending(ctx, cutoff)
	if err != nil {
		metrics.SweepResults.WithLabelValues(KindCleanup, "failed").Inc()
		return 0, fmt.Errorf("expire stale pending payments: %w", err)
	}
	metrics.SweepResults.WithLabelValues(KindCleanup, "changed").Add(float64(n))
	if n > 0 {
		log.Info().Int64("payments", n).Time("cutoff", cutoff).Msg("marked stale pending payments failed")
	}
	return n, nil
}
