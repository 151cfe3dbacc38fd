package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bgechat/hub"
	"bgechat/models"
	"bgechat/services"
)

// AgentHandler 客服自身的状态接口：接待开关、团队视图。
type AgentHandler struct {
	agentService *services.AgentService
	hub          *hub.Hub
}

func NewAgentHandler(agentService *services.AgentService, h *hub.Hub) *AgentHandler {
	return &AgentHandler{agentService: agentService, hub: h}
}

// GetAvailability GET /agent/availability
func (h *AgentHandler) GetAvailability(c echo.Context) error {
	agent := c.Get("agent").(*models.Agent)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agent_id":     agent.ID,
		"is_available": agent.IsAvailable,
	})
}

type availabilityRequest struct {
	IsAvailable bool `json:"is_available"`
}

// SetAvailability PUT /agent/availability
func (h *AgentHandler) SetAvailability(c echo.Context) error {
	agent := c.Get("agent").(*models.Agent)

	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	updated, err := h.agentService.SetAvailability(c.Request().Context(), agent.ID, req.IsAvailable)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update availability"})
	}
	return c.JSON(http.StatusOK, updated)
}

// Team GET /agent/team — 团队列表，叠加 Redis 实时在线信息
func (h *AgentHandler) Team(c echo.Context) error {
	team, err := h.agentService.Team(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch team"})
	}

	online, err := h.hub.OnlineAgents(c.Request().Context())
	if err != nil {
		c.Logger().Warnf("failed to fetch online agents: %v", err)
		online = []hub.AgentInfo{}
	}
	connected := make(map[uint]bool, len(online))
	for _, a := range online {
		connected[a.UserID] = true
	}
	for i := range team {
		if connected[team[i].UserID] {
			team[i].IsOnline = true
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"team":  team,
		"total": len(team),
	})
}
