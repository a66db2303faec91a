package hipaa

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/callmanager/internal/platform/auth"
)

// Handler serves the access trail to administrators.
type Handler struct {
	store AccessStore
}

func NewHandler(store AccessStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := auth.RequireRole(auth.RoleAdmin)
	api.GET("/access-log", h.Search, admin)
	api.GET("/access-log/export", h.ExportCSV, admin)
}

func parseQuery(c echo.Context) (AccessQuery, error) {
	q := AccessQuery{
		UserID:    c.QueryParam("userId"),
		CallID:    c.QueryParam("callId"),
		PatientID: c.QueryParam("patientId"),
		Action:    c.QueryParam("action"),
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return q, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %s", name, v))
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"start": &q.Start, "end": &q.End} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: expected RFC3339", name))
			}
			*dst = &t
		}
	}
	return q, nil
}

// Search handles GET /access-log.
func (h *Handler) Search(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	res, err := h.store.Search(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// ExportCSV handles GET /access-log/export. It writes one page of up to the
// maximum search limit.
func (h *Handler) ExportCSV(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	if q.Limit <= 0 {
		q.Limit = maxSearchLimit
	}
	res, err := h.store.Search(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/csv")
	resp.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"call_access_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	resp.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(resp)
	defer cw.Flush()
	header := []string{"ID", "AccessedAt", "UserID", "UserRoles", "CallID", "PatientID",
		"Action", "Method", "Path", "StatusCode", "IPAddress", "UserAgent", "RequestID"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("access log export: write header: %w", err)
	}
	for _, r := range res.Records {
		row := []string{
			r.ID, r.AccessedAt.Format(time.RFC3339), r.UserID, strings.Join(r.UserRoles, ";"),
			r.CallID, r.PatientID, r.Action, r.Method, r.Path, strconv.Itoa(r.StatusCode),
			r.IPAddress, r.UserAgent, r.RequestID,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("access log export: write record: %w", err)
		}
	}
	return nil
}
