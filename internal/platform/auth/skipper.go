package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are routes inside a guarded group that must stay reachable
// without a token.
var publicPaths = map[string]bool{
	"/api/admin/login": true,
	"/health":          true,
	"/health/db":       true,
}

// AuthSkipper reports whether the matched route bypasses RequireAdmin.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
