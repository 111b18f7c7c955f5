package handlers

import (
	"context"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/models"
	"billingsync/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockReconciliationService struct {
	mock.Mock
}

func (m *MockReconciliationService) Reconcile(ctx context.Context, ev lifecycle.Event) (*models.UserSubscription, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockReconciliationService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

type MockCacheService struct {
	mock.Mock
}

func (m *MockCacheService) GetPlan(ctx context.Context, planID uuid.UUID) (*models.Plan, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Plan), args.Error(1)
}

func (m *MockCacheService) SetPlan(ctx context.Context, plan *models.Plan, ttl time.Duration) error {
	return m.Called(ctx, plan, ttl).Error(0)
}

func (m *MockCacheService) GetActivePlans(ctx context.Context) ([]models.Plan, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Plan), args.Error(1)
}

func (m *MockCacheService) SetActivePlans(ctx context.Context, plans []models.Plan, ttl time.Duration) error {
	return m.Called(ctx, plans, ttl).Error(0)
}

func (m *MockCacheService) InvalidatePlans(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCacheService) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheService) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, eventID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheService) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCacheService) Close() error {
	return m.Called().Error(0)
}

type MockArchiveService struct {
	mock.Mock
}

func (m *MockArchiveService) ArchiveWebhook(ctx context.Context, provider, eventID string, payload []byte, receivedAt time.Time) error {
	return m.Called(ctx, provider, eventID, payload, receivedAt).Error(0)
}

func (m *MockArchiveService) EnsureBucketExists(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockArchiveService) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockPlanCatalogService struct {
	mock.Mock
}

func (m *MockPlanCatalogService) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Plan), args.Error(1)
}

func (m *MockPlanCatalogService) ListActivePlans(ctx context.Context) ([]*models.Plan, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Plan), args.Error(1)
}

func (m *MockPlanCatalogService) SeedPlans(ctx context.Context, plans []models.Plan) (int, error) {
	args := m.Called(ctx, plans)
	return args.Int(0), args.Error(1)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockHistoryService struct {
	mock.Mock
}

func (m *MockHistoryService) GetUserHistory(ctx context.Context, userID uuid.UUID, limit, offset int) (*services.UserHistory, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.UserHistory), args.Error(1)
}
