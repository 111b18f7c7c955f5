package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billingsync/internal/common"
	"billingsync/internal/lifecycle"
	"billingsync/internal/models"
	"billingsync/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type AdminHandlersTestSuite struct {
	suite.Suite
	echo       *echo.Echo
	reconciler *MockReconciliationService
	plans      *MockPlanCatalogService
	history    *MockHistoryService
	handlers   *AdminHandlers
}

func (suite *AdminHandlersTestSuite) SetupTest() {
	suite.echo = echo.New()
	suite.reconciler = &MockReconciliationService{}
	suite.plans = &MockPlanCatalogService{}
	suite.history = &MockHistoryService{}
	suite.handlers = NewAdminHandlers(suite.reconciler, suite.plans, suite.history)

	admin := suite.echo.Group("/v1/admin")
	admin.POST("/subscriptions/:id/revoke", suite.handlers.RevokeSubscription)
	admin.POST("/subscriptions/:id/change-plan", suite.handlers.ChangePlan)
	admin.POST("/subscriptions/:id/schedule-plan-change", suite.handlers.SchedulePlanChange)
	admin.POST("/users/:id/activate-free", suite.handlers.ActivateFreePlan)
	admin.GET("/subscriptions/:id", suite.handlers.GetSubscription)
	admin.GET("/plans", suite.handlers.ListPlans)
	admin.GET("/users/:id/history", suite.handlers.GetUserHistory)
}

func (suite *AdminHandlersTestSuite) TearDownTest() {
	suite.reconciler.AssertExpectations(suite.T())
	suite.plans.AssertExpectations(suite.T())
	suite.history.AssertExpectations(suite.T())
}

func TestAdminHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(AdminHandlersTestSuite))
}

func (suite *AdminHandlersTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	suite.echo.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) common.ErrorResponse {
	t.Helper()
	var resp common.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (suite *AdminHandlersTestSuite) TestRevoke() {
	id := uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminRevoke{SubscriptionID: id}).
		Return(&models.UserSubscription{ID: id, Status: models.StatusCanceled}, nil).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/revoke", "")

	require.Equal(suite.T(), http.StatusOK, rec.Code)
	var resp SubscriptionResponse
	require.NoError(suite.T(), json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(suite.T(), models.StatusCanceled, resp.Subscription.Status)
}

func (suite *AdminHandlersTestSuite) TestRevoke_InvalidID() {
	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/not-a-uuid/revoke", "")

	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "VALIDATION_ERROR", decodeError(suite.T(), rec).Error.Code)
}

func (suite *AdminHandlersTestSuite) TestRevoke_NotFound() {
	id := uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminRevoke{SubscriptionID: id}).
		Return(nil, fmt.Errorf("subscription %s: %w", id, lifecycle.ErrNotFound)).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/revoke", "")

	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestChangePlan_Deferred() {
	id, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminChangePlan{SubscriptionID: id, NewPlanID: planID}).
		Return(nil, &lifecycle.TransitionError{
			From:     models.StatusActive,
			Event:    lifecycle.KindAdminChangePlan,
			Reason:   "plan change deferred to period end, schedule it instead",
			Deferred: true,
		}).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/change-plan", fmt.Sprintf(`{"plan_id":%q}`, planID))

	require.Equal(suite.T(), http.StatusConflict, rec.Code)
	assert.Equal(suite.T(), "DEFERRED_TO_PERIOD_END", decodeError(suite.T(), rec).Error.Code)
}

func (suite *AdminHandlersTestSuite) TestChangePlan_NotAllowed() {
	id, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, mock.AnythingOfType("lifecycle.AdminChangePlan")).
		Return(nil, &lifecycle.TransitionError{From: models.StatusExpired, Event: lifecycle.KindAdminChangePlan, Reason: "terminal"}).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/change-plan", fmt.Sprintf(`{"plan_id":%q}`, planID))

	require.Equal(suite.T(), http.StatusConflict, rec.Code)
	resp := decodeError(suite.T(), rec)
	assert.Equal(suite.T(), "TRANSITION_NOT_ALLOWED", resp.Error.Code)
	assert.Contains(suite.T(), resp.Error.Message, "terminal")
}

func (suite *AdminHandlersTestSuite) TestChangePlan_MissingPlanID() {
	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+uuid.NewString()+"/change-plan", `{}`)

	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestChangePlan_UpstreamUnavailable() {
	id, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("update price: %w", lifecycle.ErrUpstreamUnavailable)).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/change-plan", fmt.Sprintf(`{"plan_id":%q}`, planID))

	assert.Equal(suite.T(), http.StatusServiceUnavailable, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestRevoke_ProviderRejected() {
	id := uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminRevoke{SubscriptionID: id}).
		Return(nil, fmt.Errorf("%w: stripe cancel_subscription: no such price", lifecycle.ErrProviderRejected)).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/revoke", "")

	require.Equal(suite.T(), http.StatusBadGateway, rec.Code)
	assert.Equal(suite.T(), "PROVIDER_REJECTED", decodeError(suite.T(), rec).Error.Code)
}

func (suite *AdminHandlersTestSuite) TestSchedulePlanChange_WithTime() {
	id, planID := uuid.New(), uuid.New()
	at := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	suite.reconciler.On("Reconcile", mock.Anything, mock.MatchedBy(func(ev lifecycle.Event) bool {
		e, ok := ev.(lifecycle.AdminSchedulePlanChange)
		return ok && e.SubscriptionID == id && e.NewPlanID == planID && e.At != nil && e.At.Equal(at)
	})).Return(&models.UserSubscription{ID: id, NextPlanID: &planID, ScheduledChangeAt: &at}, nil).Once()

	body := fmt.Sprintf(`{"plan_id":%q,"at":"2026-12-01T00:00:00Z"}`, planID)
	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/schedule-plan-change", body)

	assert.Equal(suite.T(), http.StatusOK, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestSchedulePlanChange_DefaultsToPeriodEnd() {
	id, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminSchedulePlanChange{SubscriptionID: id, NewPlanID: planID}).
		Return(&models.UserSubscription{ID: id}, nil).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/subscriptions/"+id.String()+"/schedule-plan-change", fmt.Sprintf(`{"plan_id":%q}`, planID))

	assert.Equal(suite.T(), http.StatusOK, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestActivateFree() {
	userID, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, lifecycle.AdminActivateFree{UserID: userID, PlanID: planID}).
		Return(&models.UserSubscription{ID: uuid.New(), UserID: userID, Status: models.StatusTrial}, nil).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/users/"+userID.String()+"/activate-free", fmt.Sprintf(`{"plan_id":%q}`, planID))

	assert.Equal(suite.T(), http.StatusCreated, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestActivateFree_AlreadyUsed() {
	userID, planID := uuid.New(), uuid.New()
	suite.reconciler.On("Reconcile", mock.Anything, mock.Anything).
		Return(nil, &lifecycle.TransitionError{Event: lifecycle.KindAdminActivateFree, Reason: "free plan already used"}).Once()

	rec := suite.do(http.MethodPost, "/v1/admin/users/"+userID.String()+"/activate-free", fmt.Sprintf(`{"plan_id":%q}`, planID))

	assert.Equal(suite.T(), http.StatusConflict, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestGetSubscription() {
	id := uuid.New()
	suite.reconciler.On("GetSubscription", mock.Anything, id).
		Return(&models.UserSubscription{ID: id, Status: models.StatusActive}, nil).Once()

	rec := suite.do(http.MethodGet, "/v1/admin/subscriptions/"+id.String(), "")

	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Contains(suite.T(), rec.Body.String(), `"status":"ACTIVE"`)
}

func (suite *AdminHandlersTestSuite) TestGetSubscription_Unexpected() {
	id := uuid.New()
	suite.reconciler.On("GetSubscription", mock.Anything, id).Return(nil, errors.New("db down")).Once()

	rec := suite.do(http.MethodGet, "/v1/admin/subscriptions/"+id.String(), "")

	assert.Equal(suite.T(), http.StatusInternalServerError, rec.Code)
}

func (suite *AdminHandlersTestSuite) TestListPlans() {
	suite.plans.On("ListActivePlans", mock.Anything).
		Return([]*models.Plan{{ID: uuid.New(), Name: "Monthly"}, {ID: uuid.New(), Name: "Yearly"}}, nil).Once()

	rec := suite.do(http.MethodGet, "/v1/admin/plans", "")

	require.Equal(suite.T(), http.StatusOK, rec.Code)
	assert.Contains(suite.T(), rec.Body.String(), `"count":2`)
}

func (suite *AdminHandlersTestSuite) TestGetUserHistory() {
	userID := uuid.New()
	suite.history.On("GetUserHistory", mock.Anything, userID, 5, 10).
		Return(&services.UserHistory{
			User:          &models.User{ID: userID},
			Subscriptions: []*models.UserSubscription{{ID: uuid.New(), UserID: userID, Status: models.StatusExpired}},
			Payments:      []*models.Payment{},
			Limit:         5,
			Offset:        10,
		}, nil).Once()

	rec := suite.do(http.MethodGet, "/v1/admin/users/"+userID.String()+"/history?limit=5&offset=10", "")

	require.Equal(suite.T(), http.StatusOK, rec.Code)
	var resp services.UserHistory
	require.NoError(suite.T(), json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(suite.T(), resp.Subscriptions, 1)
	assert.Equal(suite.T(), models.StatusExpired, resp.Subscriptions[0].Status)
	assert.Equal(suite.T(), 5, resp.Limit)
}

func (suite *AdminHandlersTestSuite) TestGetUserHistory_BadLimit() {
	rec := suite.do(http.MethodGet, "/v1/admin/users/"+uuid.NewString()+"/history?limit=abc", "")

	assert.Equal(suite.T(), http.StatusBadRequest, rec.Code)
	assert.Equal(suite.T(), "VALIDATION_ERROR", decodeError(suite.T(), rec).Error.Code)
}

func (suite *AdminHandlersTestSuite) TestGetUserHistory_UnknownUser() {
	userID := uuid.New()
	suite.history.On("GetUserHistory", mock.Anything, userID, 0, 0).
		Return(nil, fmt.Errorf("user %s: %w", userID, lifecycle.ErrNotFound)).Once()

	rec := suite.do(http.MethodGet, "/v1/admin/users/"+userID.String()+"/history", "")

	assert.Equal(suite.T(), http.StatusNotFound, rec.Code)
}
