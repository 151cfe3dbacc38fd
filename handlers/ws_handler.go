package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"bgechat/events"
	"bgechat/hub"
	"bgechat/models"
	"bgechat/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WSHandler websocket 接入。认证只在连接时做一次：
// 客服带 JWT（?token=），widget 带会话 id（?session_id=），
// 两者都没有拒绝升级。推送只是降低延迟，丢了事件靠重连后全量拉取补。
type WSHandler struct {
	authService    *services.AuthService
	agentService   *services.AgentService
	sessionService *services.SessionService
	hub            *hub.Hub
}

func NewWSHandler(authService *services.AuthService, agentService *services.AgentService, sessionService *services.SessionService, h *hub.Hub) *WSHandler {
	return &WSHandler{
		authService:    authService,
		agentService:   agentService,
		sessionService: sessionService,
		hub:            h,
	}
}

func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	var client *hub.Client
	var initialRooms []string

	if token := c.QueryParam("token"); token != "" {
		claims, err := h.authService.ValidateToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		agent, err := h.agentService.AgentForUser(ctx, claims.UserID)
		if err == nil && agent.IsActive {
			client = hub.NewClient(claims.UserID, agent.User.Username, true)
			initialRooms = []string{events.RoomAgents}
		} else {
			// 登录用户但不是客服：只挂 customers 房间
			client = hub.NewClient(claims.UserID, claims.Username, false)
			initialRooms = []string{events.RoomCustomers}
		}
	} else if sessionID := c.QueryParam("session_id"); sessionID != "" {
		session, err := h.sessionService.GetSession(ctx, sessionID)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unknown session"})
		}
		client = hub.NewClient(0, session.CustomerName, false)
		initialRooms = []string{events.SessionRoom(session.ID), events.RoomCustomers}
	} else {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing credentials"})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	h.hub.Register(client)
	for _, room := range initialRooms {
		h.hub.Join(client, room)
	}

	// 写协程
	go h.writePump(client, ws)

	// 当前goroutine处理读取
	h.readPump(client, ws)

	return nil
}

func (h *WSHandler) readPump(client *hub.Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg map[string]interface{}
		err := ws.ReadJSON(&msg)
		if err != nil {
			// 客户端掉线很常见，只记非正常断开
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Infof("websocket closed unexpectedly: %v", err)
			}
			break
		}

		h.handleFrame(client, msg)
	}
}

func (h *WSHandler) writePump(client *hub.Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-client.Context().Done():
			return

		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame 入站帧分发
func (h *WSHandler) handleFrame(client *hub.Client, msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}
	payload, _ := msg["payload"].(map[string]interface{})

	switch msgType {
	case "join":
		h.handleJoin(client, payload)
	case "leave":
		h.handleLeave(client, payload)
	case "typing":
		h.handleTyping(client, payload)
	case "message":
		h.handleChatMessage(client, payload)
	}
}

// handleJoin 客服认领后加入会话房间。只对客服开放：
// widget 在连接时就加好了自己的房间，不能再加别人的。
func (h *WSHandler) handleJoin(client *hub.Client, payload map[string]interface{}) {
	if !client.IsAgent {
		return
	}
	sessionID, ok := payload["session_id"].(string)
	if !ok || sessionID == "" {
		return
	}
	if _, err := h.sessionService.GetSession(client.Context(), sessionID); err != nil {
		return
	}
	h.hub.Join(client, events.SessionRoom(sessionID))
}

func (h *WSHandler) handleLeave(client *hub.Client, payload map[string]interface{}) {
	sessionID, ok := payload["session_id"].(string)
	if !ok || sessionID == "" {
		return
	}
	h.hub.Leave(client, events.SessionRoom(sessionID))
}

// handleTyping 输入状态，不落库，不回显给发送者
func (h *WSHandler) handleTyping(client *hub.Client, payload map[string]interface{}) {
	sessionID, _ := payload["session_id"].(string)
	isTyping, ok := payload["is_typing"].(bool)
	if !ok || sessionID == "" {
		return
	}

	role := models.RoleCustomer
	if client.IsAgent {
		role = models.RoleAgent
	}
	h.hub.BroadcastExcept(events.SessionRoom(sessionID), map[string]interface{}{
		"type": events.TypeTyping,
		"payload": map[string]interface{}{
			"session_id": sessionID,
			"role":       role,
			"username":   client.Username,
			"is_typing":  isTyping,
		},
	}, client.ID)
}

// handleChatMessage 走和 HTTP 同一条追加路径，store 仍是唯一事实源
func (h *WSHandler) handleChatMessage(client *hub.Client, payload map[string]interface{}) {
	sessionID, _ := payload["session_id"].(string)
	content, _ := payload["content"].(string)
	if sessionID == "" || content == "" {
		return
	}

	role := models.RoleCustomer
	if client.IsAgent {
		role = models.RoleAgent
	}
	if _, err := h.sessionService.AppendMessage(client.Context(), sessionID, role, content, ""); err != nil {
		// 追加失败只能丢弃：websocket 这边没有可靠的错误回包约定
		return
	}
}
