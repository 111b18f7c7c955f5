package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"billingsync/internal/common"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const adminTokenContextKey = "admin_token"

// AdminClaims are the claims an admin token must carry
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuthConfig selects how admin tokens are verified. JWKSURL wins over Secret.
type AdminAuthConfig struct {
	Secret  string
	JWKSURL string
	Role    string
}

var ErrAdminAuthNotConfigured = errors.New("admin auth requires a JWT secret or a JWKS URL")

// AdminJWT validates bearer tokens and requires the configured role claim.
// The returned stop func ends JWKS background refresh and is safe to call when unused.
func AdminJWT(cfg AdminAuthConfig) (echo.MiddlewareFunc, func(), error) {
	jwtConfig := echojwt.Config{
		ContextKey: adminTokenContextKey,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(AdminClaims)
		},
		SuccessHandler: func(c echo.Context) {
			if claims, ok := adminClaims(c); ok {
				c.SetRequest(c.Request().WithContext(common.WithAdminSubject(c.Request().Context(), claims.Subject)))
			}
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		},
	}

	stop := func() {}
	switch {
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Warn().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("JWKS refresh failed")
			},
		})
		if err != nil {
			return nil, stop, fmt.Errorf("load admin JWKS: %w", err)
		}
		jwtConfig.KeyFunc = jwks.Keyfunc
		stop = jwks.EndBackground
	case cfg.Secret != "":
		jwtConfig.SigningKey = []byte(cfg.Secret)
	default:
		return nil, stop, ErrAdminAuthNotConfigured
	}

	authenticate := echojwt.WithConfig(jwtConfig)
	requireRole := RequireRole(cfg.Role)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return authenticate(requireRole(next))
	}, stop, nil
}

// RequireRole rejects tokens whose role claim does not match. An empty role accepts any token.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := adminClaims(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid claims")
			}
			if role != "" && claims.Role != role {
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions")
			}
			return next(c)
		}
	}
}

func adminClaims(c echo.Context) (*AdminClaims, bool) {
	token, ok := c.Get(adminTokenContextKey).(*jwt.Token)
	if !ok || token == nil {
		return nil, false
	}
	claims, ok := token.Claims.(*AdminClaims)
	return claims, ok
}
