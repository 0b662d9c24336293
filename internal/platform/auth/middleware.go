package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	AdminUserKey contextKey = "admin_user"
)

// GateConfig configures RequireAdmin.
type GateConfig struct {
	SigningKey []byte
	// DevBypass treats requests without an Authorization header as admin.
	// Only honoured when AUTH_MODE=development.
	DevBypass bool
	Skipper   func(echo.Context) bool
}

// RequireAdmin guards admin routes. A missing bearer token is 401 and a token
// that fails validation is 403.
func RequireAdmin(cfg GateConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.DevBypass {
					setAdmin(c, "dev-admin")
					return next(c)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "Access denied")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Access denied")
			}

			claims, err := ParseToken(cfg.SigningKey, parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid token")
			}

			setAdmin(c, claims.Username)
			return next(c)
		}
	}
}

func setAdmin(c echo.Context, username string) {
	c.Set(string(AdminUserKey), username)
	ctx := context.WithValue(c.Request().Context(), AdminUserKey, username)
	c.SetRequest(c.Request().WithContext(ctx))
}

// AdminFromContext returns the admin username set by RequireAdmin.
func AdminFromContext(ctx context.Context) string {
	u, _ := ctx.Value(AdminUserKey).(string)
	return u
}
