package handlers

import (
	"errors"
	"net/http"

	"billingsync/internal/common"
	"billingsync/internal/jobs"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// SweepTrigger starts a scheduled sweep immediately
type SweepTrigger interface {
	RunNow(kind string) error
}

// SweepHandlers lets operators run a sweep outside its schedule
type SweepHandlers struct {
	trigger SweepTrigger
}

// NewSweepHandlers creates a new sweep handlers instance. trigger is nil when the scheduler is disabled.
func NewSweepHandlers(trigger SweepTrigger) *SweepHandlers {
	return &SweepHandlers{trigger: trigger}
}

// RunSweep handles POST /v1/admin/sweeps/:kind/run
// @Summary      Trigger a sweep now
// @Description  Queues one pass of expiry, scheduled-change or cleanup on the scheduler
// @Tags         admin
// @Produce      json
// @Param        kind  path      string  true  "Sweep kind"  Enums(expiry, scheduled-change, cleanup)
// @Success      202   {object}  map[string]string
// @Failure      404   {object}  common.ErrorResponse
// @Failure      503   {object}  common.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/sweeps/{kind}/run [post]
func (h *SweepHandlers) RunSweep(c echo.Context) error {
	kind := c.Param("kind")
	if h.trigger == nil {
		return common.SendUnavailableError(c, "sweep scheduler is disabled")
	}

	if err := h.trigger.RunNow(kind); err != nil {
		if errors.Is(err, jobs.ErrUnknownSweepKind) {
			return c.JSON(http.StatusNotFound, errorBody(codeNotFound, err.Error()))
		}
		log.Error().Err(err).Str("sweep", kind).Msg("failed to trigger sweep")
		return common.SendServerError(c, "Failed to trigger sweep")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Sweep triggered",
		"kind":    kind,
	})
}
