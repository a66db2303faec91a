package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// DevUserID is the principal injected by DevAuthMiddleware.
const DevUserID = "dev-user"

type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// ParseToken validates an HMAC-signed bearer token and returns its claims.
func ParseToken(cfg JWTConfig, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, cfg.parserOptions()...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// SignToken issues an HS256 token for subject. Used by the CLI and tests.
func SignToken(cfg JWTConfig, subject, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on a websocket handshake.
		if tok := c.QueryParam("access_token"); tok != "" && isWebSocketUpgrade(c.Request()) {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return parts[1], nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func setPrincipal(c echo.Context, subject, tenantID string, roles []string) {
	c.Set("jwt_tenant_id", tenantID)
	ctx := c.Request().Context()
	ctx = context.WithValue(ctx, UserIDKey, subject)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			claims, err := ParseToken(cfg, tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setPrincipal(c, claims.Subject, claims.TenantID, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as an admin
// principal. Requests that do carry a token are validated against cfg when a
// signing key is configured.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	validate := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return validate(next)(c)
			}
			setPrincipal(c, DevUserID, "", []string{RoleAdmin})
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// WithPrincipal returns ctx carrying subject and roles. Used by tests and
// background jobs that act on behalf of a user.
func WithPrincipal(ctx context.Context, subject string, roles ...string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, subject)
	return context.WithValue(ctx, UserRolesKey, roles)
}
