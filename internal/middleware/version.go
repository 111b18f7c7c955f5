package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// APIVersion is one mounted admin API prefix. Sunset stays zero while the
// prefix is current.
type APIVersion struct {
	Name      string
	Sunset    time.Time
	Successor string
}

// Versions mounts versioned admin route groups. Every response carries the
// prefix and the running build; a prefix past its sunset answers 410 Gone.
type Versions struct {
	build string
	known map[string]APIVersion
	now   func() time.Time
}

func NewVersions(build string, versions ...APIVersion) *Versions {
	known := make(map[string]APIVersion, len(versions))
	for _, v := range versions {
		known[v.Name] = v
	}
	return &Versions{build: build, known: known, now: time.Now}
}

// Group creates the route group for the named prefix
func (v *Versions) Group(e *echo.Echo, name string) *echo.Group {
	g := e.Group("/" + name)
	g.Use(v.stamp(name))
	return g
}

func (v *Versions) stamp(name string) echo.MiddlewareFunc {
	ver := v.known[name]
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-API-Version", name)
			if v.build != "" {
				h.Set("X-Billingsync-Build", v.build)
			}
			if ver.Sunset.IsZero() {
				return next(c)
			}

			h.Set("Deprecation", "true")
			h.Set("Sunset", ver.Sunset.UTC().Format(http.TimeFormat))
			if ver.Successor != "" {
				h.Set("Link", fmt.Sprintf(`</%s>; rel="successor-version"`, ver.Successor))
			}
			if !v.now().Before(ver.Sunset) {
				log.Info().Str("api_version", name).Str("path", c.Path()).Msg("request to retired admin API version")
				return echo.NewHTTPError(http.StatusGone, fmt.Sprintf("admin API %s was retired on %s", name, ver.Sunset.UTC().Format(time.DateOnly)))
			}
			return next(c)
		}
	}
}
