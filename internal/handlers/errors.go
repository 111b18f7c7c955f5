package handlers

import (
	"errors"
	"net/http"

	"billingsync/internal/common"
	"billingsync/internal/lifecycle"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	codeDeferred      = "DEFERRED_TO_PERIOD_END"
	codeNotAllowed    = "TRANSITION_NOT_ALLOWED"
	codeNotFound      = "NOT_FOUND"
	codeUnavailable   = "SERVICE_UNAVAILABLE"
	codeRejected      = "PROVIDER_REJECTED"
	codeServerError   = "SERVER_ERROR"
	codeClientError   = "CLIENT_ERROR"
	codeUnauthorized  = "UNAUTHORIZED"
	codePayloadTooBig = "PAYLOAD_TOO_LARGE"
)

func errorBody(code, message string) *common.ErrorResponse {
	return common.CreateErrorResponse(code, message, nil)
}

// sendServiceError maps reconcile errors onto admin API responses
func sendServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		if lifecycle.IsDeferred(err) {
			return common.SendConflictError(c, codeDeferred, err.Error())
		}
		return common.SendConflictError(c, codeNotAllowed, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody(codeNotFound, err.Error()))
	case errors.Is(err, lifecycle.ErrConflict):
		return common.SendUnavailableError(c, "subscription is being modified concurrently, retry")
	case errors.Is(err, lifecycle.ErrUpstreamUnavailable):
		return common.SendUnavailableError(c, "billing provider unavailable, retry")
	case errors.Is(err, lifecycle.ErrProviderRejected):
		log.Warn().Err(err).Str("path", c.Path()).Msg("billing provider rejected admin action")
		return c.JSON(http.StatusBadGateway, errorBody(codeRejected, err.Error()))
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("admin action failed")
		return common.SendServerError(c, "internal error")
	}
}
