package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn evicts idle visitors from the limiter store.
	ExpiresIn time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		ExpiresIn:         3 * time.Minute,
	}
}

// RateLimit limits requests per tenant and client IP. A non-positive rate
// disables limiting.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return rateLimitKey(c), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", "1")
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func rateLimitKey(c echo.Context) string {
	key := c.RealIP()
	if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
		key = tenantID + ":" + key
	}
	return key
}
