package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/platform/auth"
)

// Recovery turns a handler panic into a 500. Store partition violations
// surface here, so the call id from the route is logged with the stack.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("route", c.Path()).
					Str("call_id", c.Param("id")).
					Str("actor", auth.UserIDFromContext(c.Request().Context())).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
