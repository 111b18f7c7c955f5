package services

import (
	"context"
	"fmt"
	"time"

	"billingsync/internal/caching"
	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const activePlansLocalKey = "plans:active"

// PlanCatalogService is the read side of subscription plans.
// Lookups go through an in-process cache, then Redis, then Postgres.
type PlanCatalogService interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListActivePlans(ctx context.Context) ([]*models.Plan, error)
	SeedPlans(ctx context.Context, plans []models.Plan) (int, error)
}

type planCatalogService struct {
	repo     repositories.PlanRepository
	cache    caching.CacheService
	local    *gocache.Cache
	cacheTTL time.Duration
}

// NewPlanCatalogService builds the catalog. cache may be nil when Redis is not configured.
func NewPlanCatalogService(repo repositories.PlanRepository, cache caching.CacheService, localTTL, cacheTTL time.Duration) PlanCatalogService {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &planCatalogService{
		repo:     repo,
		cache:    cache,
		local:    gocache.New(localTTL, 2*localTTL),
		cacheTTL: cacheTTL,
	}
}

// GetPlan returns the plan or nil when no plan has that id
func (s *planCatalogService) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	key := id.String()
	if v, ok := s.local.Get(key); ok {
		plan := v.(models.Plan)
		return &plan, nil
	}

	if s.cache != nil {
		plan, err := s.cache.GetPlan(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("plan_id", key).Msg("plan cache read failed")
		} else if plan != nil {
			s.local.SetDefault(key, *plan)
			return plan, nil
		}
	}

	plan, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	if plan == nil {
		return nil, nil
	}

	s.local.SetDefault(key, *plan)
	if s.cache != nil {
		if err := s.cache.SetPlan(ctx, plan, s.cacheTTL); err != nil {
			log.Warn().Err(err).Str("plan_id", key).Msg("plan cache write failed")
		}
	}
	return plan, nil
}

func (s *planCatalogService) ListActivePlans(ctx context.Context) ([]*models.Plan, error) {
	if v, ok := s.local.Get(activePlansLocalKey); ok {
		return toPlanPtrs(v.([]models.Plan)), nil
	}

	if s.cache != nil {
		plans, err := s.cache.GetActivePlans(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("active plans cache read failed")
		} else if plans != nil {
			s.local.SetDefault(activePlansLocalKey, plans)
			return toPlanPtrs(plans), nil
		}
	}

	found, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	plans := make([]models.Plan, 0, len(found))
	for _, p := range found {
		plans = append(plans, *p)
	}

	s.local.SetDefault(activePlansLocalKey, plans)
	if s.cache != nil {
		if err := s.cache.SetActivePlans(ctx, plans, s.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("active plans cache write failed")
		}
	}
	return toPlanPtrs(plans), nil
}

// SeedPlans upserts plans and drops every cached copy
func (s *planCatalogService) SeedPlans(ctx context.Context, plans []models.Plan) (int, error) {
	seeded := 0
	for i := range plans {
		if plans[i].ID == uuid.Nil {
			return seeded, fmt.Errorf("plan %q: id is required", plans[i].Name)
		}
		if err := s.repo.Upsert(ctx, &plans[i]); err != nil {
			return seeded, fmt.Errorf("seed plan %q: %w", plans[i].Name, err)
		}
		seeded++
	}

	s.local.Flush()
	if s.cache != nil {
		if err := s.cache.InvalidatePlans(ctx); err != nil {
			log.Warn().Err(err).Msg("plan cache invalidation failed")
		}
	}
	return seeded, nil
}

func toPlanPtrs(plans []models.Plan) []*models.Plan {
	out := make([]*models.Plan, len(plans))
	for i := range plans {
		p := plans[i]
		out[i] = &p
	}
	return out
}
