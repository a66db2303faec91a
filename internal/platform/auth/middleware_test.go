package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectHTTPCode(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
			expectHTTPCode(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "callmanager", Audience: "clinic"}
	tokenStr, err := SignToken(cfg, "dr-brown", "acme", []string{RoleTherapist}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var gotUser string
	var gotRoles []string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return nil
	}
	if err := JWTMiddleware(cfg)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "dr-brown" {
		t.Errorf("expected subject dr-brown, got %q", gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleTherapist {
		t.Errorf("expected [therapist], got %v", gotRoles)
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "acme" {
		t.Errorf("expected tenant acme, got %q", tid)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectHTTPCode(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKeyOrIssuer(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "callmanager"}

	wrongKey := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "callmanager"}}, []byte("other"))
	wrongIssuer := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "elsewhere"}}, testSigningKey)

	for _, tok := range []string{wrongKey, wrongIssuer} {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		c := e.NewContext(req, httptest.NewRecorder())
		expectHTTPCode(t, JWTMiddleware(cfg)(okHandler)(c), http.StatusUnauthorized)
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	var gotUser string
	var gotRoles []string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return nil
	}
	if err := DevAuthMiddleware(JWTConfig{})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != DevUserID {
		t.Errorf("expected %s, got %q", DevUserID, gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleAdmin {
		t.Errorf("expected [admin], got %v", gotRoles)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	tokenStr, _ := SignToken(cfg, "nurse-1", "", []string{RoleStaff}, time.Hour)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var gotUser string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		return nil
	}
	if err := DevAuthMiddleware(cfg)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "nurse-1" {
		t.Errorf("expected nurse-1, got %q", gotUser)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	c = e.NewContext(req, httptest.NewRecorder())
	expectHTTPCode(t, DevAuthMiddleware(cfg)(okHandler)(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_WebSocketQueryToken(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	tokenStr, err := SignToken(cfg, "dr-chen", "", []string{RoleSupervisor}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/call-manager/ws?access_token="+tokenStr, nil)
	req.Header.Set("Upgrade", "websocket")
	c := e.NewContext(req, httptest.NewRecorder())
	var gotUser string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		return nil
	}
	if err := JWTMiddleware(cfg)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "dr-chen" {
		t.Errorf("expected dr-chen, got %q", gotUser)
	}

	// Plain requests must still use the header.
	plain := httptest.NewRequest(http.MethodGet, "/api/call-manager/active-calls?access_token="+tokenStr, nil)
	err = JWTMiddleware(cfg)(okHandler)(e.NewContext(plain, httptest.NewRecorder()))
	expectHTTPCode(t, err, http.StatusUnauthorized)
}
