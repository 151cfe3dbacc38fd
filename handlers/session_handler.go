package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"bgechat/models"
	"bgechat/services"
)

// SessionHandler 客服后台的会话操作：排队列表、认领、状态流转。
type SessionHandler struct {
	sessionService *services.SessionService
}

func NewSessionHandler(sessionService *services.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// ListSessions GET /agent/sessions?status=&page=&limit=
func (h *SessionHandler) ListSessions(c echo.Context) error {
	status := c.QueryParam("status")
	if status != "" && !models.ValidStatus(status) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status"})
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	result, err := h.sessionService.ListSessions(c.Request().Context(), status, page, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch sessions"})
	}
	return c.JSON(http.StatusOK, result)
}

// ClaimSession POST /agent/sessions/:id/claim
// 竞争失败返回 409 并带上当前持有人，后台立刻把会话从队列移除。
func (h *SessionHandler) ClaimSession(c echo.Context) error {
	agent := c.Get("agent").(*models.Agent)
	sessionID := c.Param("id")

	result, err := h.sessionService.Claim(c.Request().Context(), sessionID, agent)
	if err != nil {
		var conflict *services.ClaimConflictError
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.As(err, &conflict):
			payload := map[string]interface{}{
				"error":  "session already claimed",
				"status": conflict.Status,
			}
			if conflict.AgentID != nil {
				payload["claimed_by"] = *conflict.AgentID
			}
			return c.JSON(http.StatusConflict, payload)
		case errors.Is(err, context.DeadlineExceeded):
			// 锁等待超时：claim 没有发生，调用方重查状态后最多再试一次
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"error": "claim timed out, re-fetch session state and retry",
			})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "claim failed"})
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"already_claimed": result.AlreadyClaimed,
		"session":         result.Session,
	})
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// UpdateSessionStatus PUT /agent/sessions/:id/status
func (h *SessionHandler) UpdateSessionStatus(c echo.Context) error {
	sessionID := c.Param("id")

	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if req.Reason == "" {
		req.Reason = models.ReasonEndedByAgent
	}

	session, err := h.sessionService.UpdateStatus(c.Request().Context(), sessionID, req.Status, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.Is(err, services.ErrInvalidTransition):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status transition"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update session"})
		}
	}
	return c.JSON(http.StatusOK, session)
}

// GetSession GET /agent/sessions/:id
func (h *SessionHandler) GetSession(c echo.Context) error {
	session, err := h.sessionService.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch session"})
	}
	return c.JSON(http.StatusOK, session)
}
