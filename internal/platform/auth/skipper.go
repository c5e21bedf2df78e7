package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are the liveness and health routes probes hit without
// credentials.
var publicPaths = map[string]bool{
	"/":          true,
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper reports whether the matched route bypasses authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is one of the public routes.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
