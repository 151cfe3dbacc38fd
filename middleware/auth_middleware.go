package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"bgechat/models"
	"bgechat/services"
)

// AuthMiddleware 校验 JWT。token 放 Authorization 头，
// websocket 升级请求没法带头，允许 ?token= 查询参数。
func AuthMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			var tokenString string
			if authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || parts[0] != "Bearer" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "invalid authorization header",
					})
				}
				tokenString = parts[1]
			} else {
				tokenString = c.QueryParam("token")
				if tokenString == "" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "missing authorization token",
					})
				}
				tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
			}

			claims, err := authService.ValidateToken(tokenString)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid token",
				})
			}
			var user models.User
			if err := authService.Db.First(&user, claims.UserID).Error; err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "user not found",
				})
			}

			c.Set("user", &user)
			return next(c)
		}
	}
}

// AgentMiddleware 要求已认证用户是客服，加载客服记录并刷新 last_active。
// 必须挂在 AuthMiddleware 之后。
func AgentMiddleware(agentService *services.AgentService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*models.User)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "unauthorized",
				})
			}

			agent, err := agentService.AgentForUser(c.Request().Context(), user.ID)
			if err != nil {
				if errors.Is(err, services.ErrNotAnAgent) {
					return c.JSON(http.StatusForbidden, map[string]string{
						"error": "agent access required",
					})
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{
					"error": "failed to load agent",
				})
			}
			if !agent.IsActive {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "agent account disabled",
				})
			}

			// 存活信号，团队视图按它算"当前在线"
			if err := agentService.Touch(c.Request().Context(), agent.ID); err != nil {
				c.Logger().Warnf("failed to touch agent %d: %v", agent.ID, err)
			}

			c.Set("agent", agent)
			return next(c)
		}
	}
}
