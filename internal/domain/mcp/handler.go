package mcp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/callmanager/internal/platform/auth"
	"github.com/ehr/callmanager/internal/platform/websocket"
)

type Handler struct {
	holder *Holder
	events websocket.EventPublisher
	logger zerolog.Logger
}

func NewHandler(holder *Holder, events websocket.EventPublisher, logger zerolog.Logger) *Handler {
	if events == nil {
		events = websocket.NopPublisher{}
	}
	return &Handler{holder: holder, events: events, logger: logger.With().Str("component", "mcp").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/mcp-config", h.Get, auth.RequireRole(auth.RoleTherapist, auth.RoleSupervisor, auth.RoleStaff))
	api.POST("/mcp-config", h.Replace, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.holder.Current())
}

// Replace installs the posted policy wholesale. Fields absent from the body
// take BasePolicy values, not the ones currently in force.
func (h *Handler) Replace(c echo.Context) error {
	p := BasePolicy()
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	installed, err := h.holder.Replace(p)
	if err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	actor := auth.UserIDFromContext(c.Request().Context())
	h.logger.Info().Str("actor", actor).Bool("enable_mcp", installed.Enabled).
		Bool("auto_summarize", installed.AutoSummarize).Str("access_level", installed.AccessLevel).
		Int("max_sessions_to_review", installed.MaxSessionsToReview).
		Strs("trigger_phrases", installed.TriggerPhrases).Msg("mcp policy replaced")
	h.publish(c.Request().Context(), installed, actor)
	return c.JSON(http.StatusOK, installed)
}

func (h *Handler) publish(ctx context.Context, p Policy, actor string) {
	ev, err := websocket.NewEvent(websocket.EventPolicyUpdated, websocket.TopicPolicy, "", actor, p, time.Now().UTC())
	if err != nil {
		return
	}
	if err := h.events.Publish(ctx, ev); err != nil {
		h.logger.Warn().Err(err).Msg("publish policy event")
	}
}
