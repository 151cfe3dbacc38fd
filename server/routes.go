package server

import (
	"time"

	"github.com/labstack/echo/v4"

	custommiddleware "bgechat/middleware"
)

func (s *Server) SetupRoutes(authMiddleware echo.MiddlewareFunc, agentMiddleware echo.MiddlewareFunc) {
	e := s.Echo
	api := e.Group("/api/v1")

	// Auth routes (unprotected)
	auth := api.Group("/auth")
	{
		auth.POST("/register", s.AuthHandler.Register)
		auth.POST("/login", s.AuthHandler.Login)
		auth.POST("/refresh", s.AuthHandler.RefreshToken)
	}

	// widget 公开路由。客户不登录，会话 id 就是凭证。
	chat := api.Group("/chat")
	if s.limitManager != nil {
		chat.Use(custommiddleware.NewRateLimitMiddleware(s.limitManager, custommiddleware.RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
		}))
	}
	// 消息发送走令牌桶：聊天有突发，固定窗口会误伤正常对话
	var msgLimits []echo.MiddlewareFunc
	if s.burstManager != nil {
		msgLimits = append(msgLimits, custommiddleware.NewRateLimitMiddleware(s.burstManager, custommiddleware.RateLimitConfig{
			Limit:  60,
			Window: time.Minute,
		}))
	}
	{
		chat.POST("", s.ChatHandler.Chat)                              // 机器人对话 / 转人工入口
		chat.POST("/session", s.ChatHandler.CreateSession)             // 直接排队人工
		chat.GET("/session/:id", s.ChatHandler.GetSession)             // 重连对账
		chat.GET("/session/:id/messages", s.ChatHandler.GetMessages)   // 历史消息
		chat.POST("/session/:id/messages", s.ChatHandler.SendMessage, msgLimits...) // 客户发消息
		chat.POST("/session/:id/end", s.ChatHandler.EndSession)        // 客户结束会话
	}
	// 清理接口不鉴权，cron 调
	api.POST("/chat/cleanup", s.CleanupHandler.Cleanup)

	// websocket（连接时自己做认证）
	api.GET("/ws", s.WSHandler.HandleWebSocket)

	// 需要认证
	protected := api.Group("")
	protected.Use(authMiddleware)
	{
		protected.GET("/user", s.AuthHandler.GetCurrentUser)
	}

	// 客服后台
	agent := api.Group("/agent")
	agent.Use(authMiddleware, agentMiddleware)
	{
		agent.GET("/sessions", s.SessionHandler.ListSessions)              // 排队/会话列表
		agent.GET("/sessions/:id", s.SessionHandler.GetSession)            // 会话详情
		agent.POST("/sessions/:id/claim", s.SessionHandler.ClaimSession)   // 排他认领
		agent.PUT("/sessions/:id/status", s.SessionHandler.UpdateSessionStatus)
		agent.POST("/sessions/:id/messages", s.ChatHandler.SendMessage)    // 客服发消息
		agent.GET("/availability", s.AgentHandler.GetAvailability)
		agent.PUT("/availability", s.AgentHandler.SetAvailability)
		agent.GET("/team", s.AgentHandler.Team)
	}
}
