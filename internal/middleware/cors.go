package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// OriginChecker decides whether a browser Origin may call the API.
type OriginChecker interface {
	Allowed(origin string) bool
}

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 3600

// CORS returns an Echo middleware that answers preflights and adds
// Access-Control-* headers for origins the policy accepts. Denied origins
// get no CORS headers, so the browser blocks the response. Credentials
// are never allowed.
func CORS(policy OriginChecker) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return policy.Allowed(origin), nil
		},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderAuthorization,
			echo.HeaderContentType,
			"X-Api-Key",
			echo.HeaderXRequestedWith,
		},
		AllowCredentials: false,
		MaxAge:           corsMaxAge,
	})
}
