package caching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"billingsync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "billingsync"

type CacheService interface {
	// Plan caching
	GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error)
	SetPlan(ctx context.Context, plan *models.Plan, ttl time.Duration) error
	GetActivePlans(ctx context.Context) ([]models.Plan, error)
	SetActivePlans(ctx context.Context, plans []models.Plan, ttl time.Duration) error
	InvalidatePlans(ctx context.Context) error

	// Webhook event dedup
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisCacheService struct {
	client *redis.Client
}

func NewRedisCacheService(addr, password string, db int) CacheService {
	// Accept redis://host:port as well as host:port
	parsedAddr := addr
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsedAddr = strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     parsedAddr,
		Password: password,
		DB:       db,
	})

	if pingErr := client.Ping(context.Background()).Err(); pingErr != nil {
		log.Warn().Err(pingErr).Str("addr", parsedAddr).Msg("redis ping failed on initialization")
	} else {
		log.Debug().Str("addr", parsedAddr).Msg("redis connection established")
	}

	return &redisCacheService{client: client}
}

func planKey(planID uuid.UUID) string {
	return fmt.Sprintf("%s:plan:%s", keyPrefix, planID.String())
}

func activePlansKey() string {
	return keyPrefix + ":plans:active"
}

func eventKey(eventID string) string {
	return fmt.Sprintf("%s:webhook:%s", keyPrefix, eventID)
}

func (r *redisCacheService) GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	data, err := r.client.Get(ctx, planKey(planID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // cache miss
		}
		return nil, err
	}

	var plan models.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *redisCacheService) SetPlan(ctx context.Context, plan *models.Plan, ttl time.Duration) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, planKey(plan.ID), data, ttl).Err()
}

func (r *redisCacheService) GetActivePlans(ctx context.Context) ([]models.Plan, error) {
	data, err := r.client.Get(ctx, activePlansKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // cache miss
		}
		return nil, err
	}

	var plans []models.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *redisCacheService) SetActivePlans(ctx context.Context, plans []models.Plan, ttl time.Duration) error {
	data, err := json.Marshal(plans)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, activePlansKey(), data, ttl).Err()
}

func (r *redisCacheService) InvalidatePlans(ctx context.Context) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+":plan*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(keys) > 0 {
		return r.client.Del(ctx, keys...).Err()
	}
	return nil
}

func (r *redisCacheService) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventProcessed records the event id and reports whether this call set it
func (r *redisCacheService) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, eventKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (r *redisCacheService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCacheService) Close() error {
	return r.client.Close()
}
