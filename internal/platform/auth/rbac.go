package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the call manager.
const (
	RoleAdmin      = "admin"
	RoleTherapist  = "therapist"
	RoleSupervisor = "supervisor"
	RoleStaff      = "staff"
)

// RequireRole returns middleware that checks if the user has at least one of
// the given roles. Admin satisfies every requirement.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether userRoles grants any of required.
func HasAnyRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
