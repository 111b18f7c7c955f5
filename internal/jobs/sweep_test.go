package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"billingsync/internal/lifecycle"
	"billingsync/internal/models"
	"billingsync/internal/repositories"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// MockSubscriptionRepository mocks the SubscriptionRepository interface for testing
type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetByRemoteRef(ctx context.Context, ref string) (*models.UserSubscription, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetByPaymentRef(ctx context.Context, paymentRef string) (*models.UserSubscription, error) {
	args := m.Called(ctx, paymentRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetLiveByUser(ctx context.Context, userID uuid.UUID) (*models.UserSubscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.UserSubscription, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Commit(ctx context.Context, req repositories.CommitRequest) (*models.UserSubscription, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) EnumerateSweepCandidates(ctx context.Context, kind repositories.SweepKind, now time.Time, gracePeriod time.Duration, limit int) ([]*models.UserSubscription, error) {
	args := m.Called(ctx, kind, now, gracePeriod, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.UserSubscription), args.Error(1)
}

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) GetByRemoteRef(ctx context.Context, ref string) (*models.Payment, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Payment, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]*models.Payment), args.Error(1)
}

func (m *MockPaymentRepository) ExpireStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

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

type SweepServiceTestSuite struct {
	suite.Suite
	subs       *MockSubscriptionRepository
	payments   *MockPaymentRepository
	reconciler *MockReconciliationService
	service    *SweepService
	now        time.Time
	ctx        context.Context
}

func (suite *SweepServiceTestSuite) SetupTest() {
	suite.subs = &MockSubscriptionRepository{}
	suite.payments = &MockPaymentRepository{}
	suite.reconciler = &MockReconciliationService{}
	suite.now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	suite.ctx = context.Background()
	suite.service = NewSweepService(suite.subs, suite.payments, suite.reconciler, SweepConfig{
		BatchSize:   50,
		Concurrency: 2,
		GracePeriod: 24 * time.Hour,
	})
	suite.service.now = func() time.Time { return suite.now }
}

func (suite *SweepServiceTestSuite) TearDownTest() {
	suite.subs.AssertExpectations(suite.T())
	suite.payments.AssertExpectations(suite.T())
	suite.reconciler.AssertExpectations(suite.T())
}

func TestSweepServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SweepServiceTestSuite))
}

func candidate(status models.SubscriptionStatus, end time.Time) *models.UserSubscription {
	return &models.UserSubscription{ID: uuid.New(), UserID: uuid.New(), Status: status, EndDate: end, Version: 1}
}

func tickFor(id uuid.UUID) interface{} {
	return mock.MatchedBy(func(ev lifecycle.Event) bool {
		tick, ok := ev.(lifecycle.SweepTick)
		return ok && tick.SubscriptionID == id
	})
}

func (suite *SweepServiceTestSuite) TestExpirySweep_CountsOutcomes() {
	expired := candidate(models.StatusTrial, suite.now.Add(-time.Hour))
	same := candidate(models.StatusActive, suite.now.Add(-time.Hour))
	broken := candidate(models.StatusCanceled, suite.now.Add(-time.Hour))

	suite.subs.On("EnumerateSweepCandidates", suite.ctx, repositories.SweepExpiry, suite.now, 24*time.Hour, 50).
		Return([]*models.UserSubscription{expired, same, broken}, nil).Once()

	done := expired.Clone()
	done.Status = models.StatusExpired
	done.Version = 2
	suite.reconciler.On("Reconcile", suite.ctx, tickFor(expired.ID)).Return(done, nil).Once()
	suite.reconciler.On("Reconcile", suite.ctx, tickFor(same.ID)).Return(same, nil).Once()
	suite.reconciler.On("Reconcile", suite.ctx, tickFor(broken.ID)).Return(nil, lifecycle.ErrUpstreamUnavailable).Once()

	result, err := suite.service.Run(suite.ctx, KindExpiry)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, result.Candidates)
	assert.Equal(suite.T(), 1, result.Changed)
	assert.Equal(suite.T(), 1, result.Unchanged)
	assert.Equal(suite.T(), 1, result.Failed)
}

func (suite *SweepServiceTestSuite) TestScheduledChangeSweep_PassesNow() {
	rec := candidate(models.StatusActive, suite.now.AddDate(0, 0, 10))
	suite.subs.On("EnumerateSweepCandidates", suite.ctx, repositories.SweepScheduledChange, suite.now, 24*time.Hour, 50).
		Return([]*models.UserSubscription{rec}, nil).Once()
	suite.reconciler.On("Reconcile", suite.ctx, mock.MatchedBy(func(ev lifecycle.Event) bool {
		tick, ok := ev.(lifecycle.SweepTick)
		return ok && tick.Now.Equal(suite.now)
	})).Return(rec, nil).Once()

	result, err := suite.service.Run(suite.ctx, KindScheduledChange)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, result.Unchanged)
}

func (suite *SweepServiceTestSuite) TestEnumerateFailure() {
	suite.subs.On("EnumerateSweepCandidates", suite.ctx, repositories.SweepExpiry, suite.now, 24*time.Hour, 50).
		Return(nil, errors.New("connection reset")).Once()

	_, err := suite.service.Run(suite.ctx, KindExpiry)
	assert.ErrorContains(suite.T(), err, "connection reset")
}

func (suite *SweepServiceTestSuite) TestCleanup() {
	suite.payments.On("ExpireStalePending", suite.ctx, suite.now.Add(-24*time.Hour)).Return(int64(4), nil).Once()

	result, err := suite.service.Run(suite.ctx, KindCleanup)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 4, result.Changed)
}

func (suite *SweepServiceTestSuite) TestUnknownKind() {
	_, err := suite.service.Run(suite.ctx, "nightly")
	assert.ErrorIs(suite.T(), err, ErrUnknownSweepKind)
}
