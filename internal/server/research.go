package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hec-ovi/open-research/internal/research"
)

// ResearchHandler serves the research lifecycle endpoints.
type ResearchHandler struct {
	Manager *research.Manager
}

// Register mounts the handler on an echo group.
func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/start", h.start)
	g.GET("/sessions", h.listSessions)
	g.POST("/:id/stop", h.stop)
	g.GET("/:id/events", h.streamEvents)
	g.GET("/:id/report", h.report)
	g.GET("/:id", h.status)
}

type startRequest struct {
	Query  string              `json:"query"`
	Config *research.RunConfig `json:"config,omitempty"`
}

func (h *ResearchHandler) start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := h.Manager.Start(c.Request().Context(), req.Query, req.Config)
	if err != nil {
		if research.IsValidation(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": id})
}

func (h *ResearchHandler) stop(c echo.Context) error {
	id := c.Param("id")
	if err := h.Manager.Stop(c.Request().Context(), id); err != nil {
		if errors.Is(err, research.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	sess, err := h.Manager.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(sess.Status)})
}

func (h *ResearchHandler) status(c echo.Context) error {
	sess, err := h.Manager.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, research.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *ResearchHandler) report(c echo.Context) error {
	rep, err := h.Manager.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, research.ErrSessionNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		case errors.Is(err, research.ErrReportNotReady):
			return echo.NewHTTPError(http.StatusConflict, "report not ready")
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"final_report": rep})
}

func (h *ResearchHandler) listSessions(c echo.Context) error {
	summaries, err := h.Manager.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": summaries})
}

// streamEvents streams session events via Server-Sent Events until the
// session reaches a terminal state or the client disconnects.
func (h *ResearchHandler) streamEvents(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	id := c.Param("id")

	events, cancel, err := h.Manager.Subscribe(ctx, id)
	if err != nil {
		if errors.Is(err, research.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return err
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-events:
			if !open {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", payload); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
