package callsession

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/callmanager/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the call endpoints on api, which is expected to be
// rooted at /api/call-manager.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleTherapist, auth.RoleSupervisor, auth.RoleStaff))
	read.GET("/active-calls", h.ListActive)
	read.GET("/call-history", h.ListHistory)
	read.GET("/calls/:id", h.GetCall)

	write := api.Group("", auth.RequireRole(auth.RoleTherapist, auth.RoleSupervisor))
	write.POST("/create-call", h.CreateCall)
	write.POST("/calls/:id/verify", h.Verify)
	write.POST("/calls/:id/status", h.UpdateStatus)
	write.POST("/calls/:id/join", h.Join)
	write.POST("/calls/:id/summary", h.GenerateSummary)
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPrecondition):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrMismatch), errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func actorFrom(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) ListActive(c echo.Context) error {
	calls, err := h.svc.ListActive(c.Request().Context(), Status(c.QueryParam("status")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, calls)
}

func (h *Handler) ListHistory(c echo.Context) error {
	f := HistoryFilter{
		PatientID:   c.QueryParam("patientId"),
		TherapistID: c.QueryParam("therapistId"),
	}
	var err error
	if f.StartDate, err = parseDateParam(c.QueryParam("startDate"), false); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid startDate: "+err.Error())
	}
	if f.EndDate, err = parseDateParam(c.QueryParam("endDate"), true); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endDate: "+err.Error())
	}

	calls, err := h.svc.ListHistory(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, calls)
}

// parseDateParam accepts RFC3339 timestamps or YYYY-MM-DD dates. A bare date
// used as an upper bound covers the whole day.
func parseDateParam(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (h *Handler) GetCall(c echo.Context) error {
	call, err := h.svc.GetCall(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) CreateCall(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	call, err := h.svc.CreateCall(c.Request().Context(), req, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Verify(c echo.Context) error {
	var v Verification
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	call, err := h.svc.Verify(c.Request().Context(), c.Param("id"), v, actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var u StatusUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if actor := actorFrom(c); actor != "" {
		u.Actor = actor
	}
	call, err := h.svc.UpdateStatus(c.Request().Context(), c.Param("id"), u)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Join(c echo.Context) error {
	ack, err := h.svc.Join(c.Request().Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ack)
}

func (h *Handler) GenerateSummary(c echo.Context) error {
	summary, err := h.svc.GenerateSummary(c.Request().Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
