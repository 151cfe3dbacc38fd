package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bgechat/services"
)

// CleanupHandler 清理入口。不鉴权，给 cron 和运维调用。
type CleanupHandler struct {
	reaper *services.ReaperService
}

func NewCleanupHandler(reaper *services.ReaperService) *CleanupHandler {
	return &CleanupHandler{reaper: reaper}
}

// Cleanup POST /chat/cleanup — 跑一次清理，返回本次处理数量
func (h *CleanupHandler) Cleanup(c echo.Context) error {
	result, err := h.reaper.Sweep(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
	}
	return c.JSON(http.StatusOK, result)
}
