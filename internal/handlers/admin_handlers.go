package handlers

import (
	"net/http"
	"strconv"
	"time"

	"billingsync/internal/common"
	"billingsync/internal/lifecycle"
	"billingsync/internal/models"
	"billingsync/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// AdminHandlers handles operator actions on subscriptions
type AdminHandlers struct {
	reconciler services.ReconciliationService
	plans      services.PlanCatalogService
	history    services.HistoryService
}

// NewAdminHandlers creates a new admin handlers instance
func NewAdminHandlers(reconciler services.ReconciliationService, plans services.PlanCatalogService, history services.HistoryService) *AdminHandlers {
	return &AdminHandlers{
		reconciler: reconciler,
		plans:      plans,
		history:    history,
	}
}

// ChangePlanRequest is the body of change-plan and activate-free
type ChangePlanRequest struct {
	PlanID string `json:"plan_id" example:"8f1c2b1e-4a5d-4c1b-9a57-3b0d6f1a2c10"`
}

// SchedulePlanChangeRequest is the body of schedule-plan-change. A missing at defaults to the period end.
type SchedulePlanChangeRequest struct {
	PlanID string     `json:"plan_id"`
	At     *time.Time `json:"at,omitempty"`
}

// SubscriptionResponse wraps a subscription returned by an admin action
type SubscriptionResponse struct {
	Message      string                   `json:"message,omitempty"`
	Subscription *models.UserSubscription `json:"subscription"`
}

// RevokeSubscription handles POST /v1/admin/subscriptions/:id/revoke
// @Summary      Revoke a subscription
// @Tags         admin
// @Produce      json
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  SubscriptionResponse
// @Failure      404  {object}  common.ErrorResponse
// @Failure      409  {object}  common.ErrorResponse
// @Failure      503  {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/subscriptions/{id}/revoke [post]
func (h *AdminHandlers) RevokeSubscription(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	sub, err := h.reconciler.Reconcile(c.Request().Context(), lifecycle.AdminRevoke{SubscriptionID: id})
	if err != nil {
		return sendServiceError(c, err)
	}

	return c.JSON(http.StatusOK, SubscriptionResponse{
		Message:      "Subscription revoked",
		Subscription: sub,
	})
}

// ChangePlan handles POST /v1/admin/subscriptions/:id/change-plan
// @Summary      Change a subscription's plan immediately
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "Subscription ID"
// @Param        body  body      ChangePlanRequest  true  "Target plan"
// @Success      200   {object}  SubscriptionResponse
// @Failure      400   {object}  common.ErrorResponse
// @Failure      404   {object}  common.ErrorResponse
// @Failure      409   {object}  common.ErrorResponse
// @Failure      503   {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/subscriptions/{id}/change-plan [post]
func (h *AdminHandlers) ChangePlan(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	var req ChangePlanRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	planID, err := common.ValidateUUID(req.PlanID, "plan_id")
	if err != nil {
		return common.SendValidationError(c, "plan_id", err.Error())
	}

	sub, err := h.reconciler.Reconcile(c.Request().Context(), lifecycle.AdminChangePlan{
		SubscriptionID: id,
		NewPlanID:      planID,
	})
	if err != nil {
		return sendServiceError(c, err)
	}

	return c.JSON(http.StatusOK, SubscriptionResponse{
		Message:      "Plan changed",
		Subscription: sub,
	})
}

// SchedulePlanChange handles POST /v1/admin/subscriptions/:id/schedule-plan-change
// @Summary      Schedule a plan change
// @Description  Records a plan swap applied at the given time, or at the end of the current period
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        id    path      string                     true  "Subscription ID"
// @Param        body  body      SchedulePlanChangeRequest  true  "Target plan and optional time"
// @Success      200   {object}  SubscriptionResponse
// @Failure      400   {object}  common.ErrorResponse
// @Failure      404   {object}  common.ErrorResponse
// @Failure      409   {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/subscriptions/{id}/schedule-plan-change [post]
func (h *AdminHandlers) SchedulePlanChange(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	var req SchedulePlanChangeRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	planID, err := common.ValidateUUID(req.PlanID, "plan_id")
	if err != nil {
		return common.SendValidationError(c, "plan_id", err.Error())
	}
	if req.At != nil && req.At.IsZero() {
		req.At = nil
	}

	sub, err := h.reconciler.Reconcile(c.Request().Context(), lifecycle.AdminSchedulePlanChange{
		SubscriptionID: id,
		NewPlanID:      planID,
		At:             req.At,
	})
	if err != nil {
		return sendServiceError(c, err)
	}

	return c.JSON(http.StatusOK, SubscriptionResponse{
		Message:      "Plan change scheduled",
		Subscription: sub,
	})
}

// ActivateFreePlan handles POST /v1/admin/users/:id/activate-free
// @Summary      Activate a free plan for a user
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "User ID"
// @Param        body  body      ChangePlanRequest  true  "Free plan"
// @Success      201   {object}  SubscriptionResponse
// @Failure      400   {object}  common.ErrorResponse
// @Failure      404   {object}  common.ErrorResponse
// @Failure      409   {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/users/{id}/activate-free [post]
func (h *AdminHandlers) ActivateFreePlan(c echo.Context) error {
	userID, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	var req ChangePlanRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	planID, err := common.ValidateUUID(req.PlanID, "plan_id")
	if err != nil {
		return common.SendValidationError(c, "plan_id", err.Error())
	}

	sub, err := h.reconciler.Reconcile(c.Request().Context(), lifecycle.AdminActivateFree{
		UserID: userID,
		PlanID: planID,
	})
	if err != nil {
		return sendServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, SubscriptionResponse{
		Message:      "Free plan activated",
		Subscription: sub,
	})
}

// GetSubscription handles GET /v1/admin/subscriptions/:id
// @Summary      Get a subscription
// @Tags         admin
// @Produce      json
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  SubscriptionResponse
// @Failure      404  {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/subscriptions/{id} [get]
func (h *AdminHandlers) GetSubscription(c echo.Context) error {
	id, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	sub, err := h.reconciler.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return sendServiceError(c, err)
	}
	return c.JSON(http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// ListPlans handles GET /v1/admin/plans
// @Summary      List active plans
// @Tags         admin
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Security     BearerAuth
// @Router       /v1/admin/plans [get]
func (h *AdminHandlers) ListPlans(c echo.Context) error {
	plans, err := h.plans.ListActivePlans(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("list plans failed")
		return common.SendServerError(c, "Failed to list plans")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetUserHistory handles GET /v1/admin/users/:id/history
// @Summary      List a user's subscriptions and payments
// @Tags         admin
// @Produce      json
// @Param        id      path      string  true   "User ID"
// @Param        limit   query     int     false  "Page size (default 20, max 100)"
// @Param        offset  query     int     false  "Page offset"
// @Success      200     {object}  services.UserHistory
// @Failure      400     {object}  common.ErrorResponse
// @Failure      404     {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/users/{id}/history [get]
func (h *AdminHandlers) GetUserHistory(c echo.Context) error {
	userID, err := common.ValidateUUID(c.Param("id"), "id")
	if err != nil {
		return common.SendValidationError(c, "id", err.Error())
	}

	limit, offset := 0, 0
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return common.SendValidationError(c, "limit", "limit must be a positive integer")
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return common.SendValidationError(c, "offset", "offset must be a non-negative integer")
		}
	}

	history, err := h.history.GetUserHistory(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return sendServiceError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}
