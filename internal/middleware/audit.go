package middleware

import (
	"net/http"
	"time"

	"billingsync/internal/common"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AdminAudit writes one audit line per mutating admin request.
// Reads are only logged when they fail.
func AdminAudit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			method := c.Request().Method
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			if !shouldAudit(method, status, err) {
				return err
			}

			subject, _ := common.GetAdminSubjectFromContext(c.Request().Context())
			evt := log.Info()
			if err != nil || status >= http.StatusBadRequest {
				evt = log.Warn().Err(err)
			}
			evt.Str("audit", "admin").
				Str("admin", subject).
				Str("method", method).
				Str("route", c.Path()).
				Dict("params", routeParams(c)).
				Int("status", status).
				Str("ip", c.RealIP()).
				Dur("latency", time.Since(start)).
				Msg("admin request")
			return err
		}
	}
}

func shouldAudit(method string, status int, reqErr error) bool {
	if reqErr != nil || status >= http.StatusBadRequest {
		return true
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func routeParams(c echo.Context) *zerolog.Event {
	d := zerolog.Dict()
	for i, name := range c.ParamNames() {
		if i < len(c.ParamValues()) {
			d.Str(name, c.ParamValues()[i])
		}
	}
	return d
}
