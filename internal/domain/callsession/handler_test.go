package callsession

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/callmanager/internal/platform/auth"
)

func newTestServer(t *testing.T) (*echo.Echo, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := c.Request().Header.Get("X-Test-Roles")
			if roles == "" {
				roles = auth.RoleTherapist
			}
			ctx := auth.WithPrincipal(c.Request().Context(), "dr-1", strings.Split(roles, ",")...)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/call-manager"))
	return e, f
}

func doRequest(e *echo.Echo, method, path, body, roles string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if roles != "" {
		req.Header.Set("X-Test-Roles", roles)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"patientId":"p1","patientName":"Jane Smith","therapistId":"d1","therapistName":"Dr. Michael Brown","scheduledStartTime":"2026-03-10T10:00:00Z"}`

func createViaHTTP(t *testing.T, e *echo.Echo) Call {
	t.Helper()
	rec := doRequest(e, http.MethodPost, "/api/call-manager/create-call", createBody, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var c Call
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHandler_CreateAndGet(t *testing.T) {
	e, _ := newTestServer(t)
	c := createViaHTTP(t, e)
	if c.Status != StatusScheduled || c.AIStatus != AIStatusPending {
		t.Fatalf("unexpected call %+v", c)
	}

	rec := doRequest(e, http.MethodGet, "/api/call-manager/calls/"+c.ID, "", auth.RoleStaff)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var raw map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &raw)
	for _, key := range []string{"patientId", "scheduledStartTime", "aiStatus", "verified"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %s: %v", key, raw)
		}
	}

	if rec := doRequest(e, http.MethodGet, "/api/call-manager/calls/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_CreateInvalid(t *testing.T) {
	e, _ := newTestServer(t)
	if rec := doRequest(e, http.MethodPost, "/api/call-manager/create-call", `{"patientId":"p1"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := strings.Replace(createBody, `}`, `,"status":"completed"}`, 1)
	if rec := doRequest(e, http.MethodPost, "/api/call-manager/create-call", body, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/call-manager/create-call", `{`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestHandler_VerifyMapping(t *testing.T) {
	e, _ := newTestServer(t)
	c := createViaHTTP(t, e)
	path := "/api/call-manager/calls/" + c.ID + "/verify"

	rec := doRequest(e, http.MethodPost, path, `{"patientId":"p9","verified":true,"verificationMethod":"voice"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mismatch: expected 400, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPost, path, `{"callId":"`+c.ID+`","patientId":"p1","verified":true}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got Call
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.Verified {
		t.Fatal("expected verified=true")
	}
	if rec := doRequest(e, http.MethodPost, "/api/call-manager/calls/nope/verify", `{"patientId":"p1"}`, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_StatusLifecycle(t *testing.T) {
	e, f := newTestServer(t)
	c := createViaHTTP(t, e)
	base := "/api/call-manager/calls/" + c.ID

	if rec := doRequest(e, http.MethodPost, base+"/status", `{"status":"in-progress","aiStatus":"active"}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("in-progress: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, base+"/join", "", auth.RoleSupervisor); rec.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, base+"/summary", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("summary before completion: expected 404, got %d", rec.Code)
	}

	f.clock.Advance(45 * time.Minute)
	rec := doRequest(e, http.MethodPost, base+"/status", `{"status":"completed"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}
	var done Call
	json.Unmarshal(rec.Body.Bytes(), &done)
	if done.DurationMinutes == nil || *done.DurationMinutes != 45 || done.AIStatus != AIStatusActive {
		t.Fatalf("unexpected completed call %+v", done)
	}

	if rec := doRequest(e, http.MethodPost, base+"/status", `{"status":"in-progress"}`, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("terminal transition: expected 422, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, base+"/join", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("join archived: expected 404, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodPost, base+"/summary", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", rec.Code)
	}
	var s map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s["aiAssisted"] != true || s["summaryText"] == "" {
		t.Fatalf("unexpected summary %v", s)
	}
}

func TestHandler_ListActiveAndHistory(t *testing.T) {
	e, _ := newTestServer(t)
	a := createViaHTTP(t, e)
	b := createViaHTTP(t, e)
	doRequest(e, http.MethodPost, "/api/call-manager/calls/"+b.ID+"/status", `{"status":"cancelled"}`, "")

	rec := doRequest(e, http.MethodGet, "/api/call-manager/active-calls?status=scheduled", "", auth.RoleStaff)
	var active []Call
	json.Unmarshal(rec.Body.Bytes(), &active)
	if rec.Code != http.StatusOK || len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only %s active, got %d %v", a.ID, rec.Code, active)
	}

	rec = doRequest(e, http.MethodGet, "/api/call-manager/call-history?patientId=p1&startDate=2026-03-10&endDate=2026-03-10", "", "")
	var history []Call
	json.Unmarshal(rec.Body.Bytes(), &history)
	if rec.Code != http.StatusOK || len(history) != 1 || history[0].ID != b.ID {
		t.Fatalf("expected cancelled call in history, got %d %v", rec.Code, history)
	}

	if rec := doRequest(e, http.MethodGet, "/api/call-manager/call-history?startDate=yesterday", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/api/call-manager/active-calls?status=paused", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/api/call-manager/call-history?patientId=nobody", "", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty history should encode as [], got %s", rec.Body.String())
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	e, _ := newTestServer(t)
	if rec := doRequest(e, http.MethodPost, "/api/call-manager/create-call", createBody, auth.RoleStaff); rec.Code != http.StatusForbidden {
		t.Fatalf("staff create: expected 403, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/api/call-manager/active-calls", "", "patient"); rec.Code != http.StatusForbidden {
		t.Fatalf("unknown role read: expected 403, got %d", rec.Code)
	}
}

func TestParseDateParam(t *testing.T) {
	got, err := parseDateParam("2026-03-10", true)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 10, 23, 59, 59, 999999999, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	got, _ = parseDateParam("2026-03-10", false)
	if !got.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start bound %v", got)
	}
	got, _ = parseDateParam("2026-03-10T08:30:00+02:00", true)
	if !got.Equal(time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected RFC3339 parse %v", got)
	}
	if got, err := parseDateParam("", false); got != nil || err != nil {
		t.Errorf("empty should yield nil, got %v %v", got, err)
	}
}

func TestHTTPError(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", ErrNotFound):          http.StatusNotFound,
		fmt.Errorf("x: %w", ErrPrecondition):      http.StatusNotFound,
		fmt.Errorf("x: %w", ErrConflict):          http.StatusConflict,
		fmt.Errorf("x: %w", ErrMismatch):          http.StatusBadRequest,
		fmt.Errorf("x: %w", ErrValidation):        http.StatusBadRequest,
		fmt.Errorf("x: %w", ErrInvalidTransition): http.StatusUnprocessableEntity,
		fmt.Errorf("disk full"):                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := httpError(err).Code; got != want {
			t.Errorf("%v: expected %d, got %d", err, want, got)
		}
	}
}
