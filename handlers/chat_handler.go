package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"bgechat/models"
	"bgechat/services"
)

// ChatHandler 面向 widget 的接口：机器人对话、建会话、收发消息。
// 客户不登录，会话 id 本身就是访问凭证。
type ChatHandler struct {
	sessionService *services.SessionService
	chatbot        *services.ChatbotService
}

func NewChatHandler(sessionService *services.SessionService, chatbot *services.ChatbotService) *ChatHandler {
	return &ChatHandler{
		sessionService: sessionService,
		chatbot:        chatbot,
	}
}

type chatRequest struct {
	Message       string `json:"message"`
	SessionID     string `json:"session_id,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// Chat POST /chat — widget 的统一入口。
// 有在途人工会话就把消息转进去；没有就走机器人，
// 机器人判定要人工时建 waiting 会话进队列。
func (h *ChatHandler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}
	ctx := c.Request().Context()

	if req.SessionID != "" {
		session, err := h.sessionService.GetSession(ctx, req.SessionID)
		if err == nil && !models.IsTerminal(session.Status) {
			msg, err := h.sessionService.AppendMessage(ctx, session.ID, models.RoleCustomer, req.Message, "")
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to send message"})
			}
			resp := map[string]interface{}{
				"message": msg,
				"session": session,
			}
			if session.Status == models.StatusWaiting {
				if pos, err := h.sessionService.QueuePosition(ctx, session); err == nil {
					resp["queue_position"] = pos
				}
			}
			return c.JSON(http.StatusOK, resp)
		}
		// 会话没了或已结束：当新对话处理
	}

	reply := h.chatbot.Respond(ctx, req.Message)
	resp := map[string]interface{}{
		"reply":    reply.Content,
		"category": reply.Category,
	}

	if reply.Escalate {
		session, position, err := h.sessionService.CreateSession(ctx, req.CustomerName, req.CustomerEmail, "")
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create session"})
		}
		// 客户的原始诉求进转接会话，客服能看到上下文
		if _, err := h.sessionService.AppendMessage(ctx, session.ID, models.RoleCustomer, req.Message, reply.Category); err != nil {
			c.Logger().Warnf("failed to record escalation message: %v", err)
		}
		resp["session"] = session
		resp["queue_position"] = position
	}
	return c.JSON(http.StatusOK, resp)
}

type createSessionRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Metadata      string `json:"metadata,omitempty"`
}

// CreateSession POST /chat/session — 直接请求人工
func (h *ChatHandler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	session, position, err := h.sessionService.CreateSession(c.Request().Context(), req.CustomerName, req.CustomerEmail, req.Metadata)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create session"})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"session":        session,
		"queue_position": position,
	})
}

// GetSession GET /chat/session/:id — 重连后的全量对账入口
func (h *ChatHandler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := h.sessionService.GetSession(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch session"})
	}

	resp := map[string]interface{}{"session": session}
	if session.Status == models.StatusWaiting {
		if pos, err := h.sessionService.QueuePosition(ctx, session); err == nil {
			resp["queue_position"] = pos
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMessages GET /chat/session/:id/messages
func (h *ChatHandler) GetMessages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	messages, err := h.sessionService.ListMessages(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to fetch messages"})
	}
	return c.JSON(http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage POST /chat/session/:id/messages — 客户发消息。
// 客服端走同一路径但带 JWT，角色按身份区分。
func (h *ChatHandler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil || req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	role := models.RoleCustomer
	if _, ok := c.Get("agent").(*models.Agent); ok {
		role = models.RoleAgent
	}

	msg, err := h.sessionService.AppendMessage(c.Request().Context(), c.Param("id"), role, req.Content, "")
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.Is(err, services.ErrSessionFinished):
			return c.JSON(http.StatusConflict, map[string]string{"error": "session already finished"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to send message"})
		}
	}
	return c.JSON(http.StatusCreated, msg)
}

// EndSession POST /chat/session/:id/end — 客户主动结束
func (h *ChatHandler) EndSession(c echo.Context) error {
	session, err := h.sessionService.UpdateStatus(c.Request().Context(), c.Param("id"), models.StatusEnded, models.ReasonEndedByCustomer)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.Is(err, services.ErrInvalidTransition):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status transition"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to end session"})
		}
	}
	return c.JSON(http.StatusOK, session)
}
