package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are added to every response unless the handler, or the
// proxied Wolf response, already set them.
var securityHeaders = [][2]string{
	{echo.HeaderXContentTypeOptions, "nosniff"},
	{echo.HeaderXFrameOptions, "DENY"},
	{echo.HeaderReferrerPolicy, "no-referrer"},
}

// SecurityHeaders returns an Echo middleware that adds security headers
// just before the status line is written.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for _, kv := range securityHeaders {
					if h.Get(kv[0]) == "" {
						h.Set(kv[0], kv[1])
					}
				}
			})
			return next(c)
		}
	}
}
