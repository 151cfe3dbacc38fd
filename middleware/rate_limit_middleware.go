package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"bgechat/limiter"
)

type RateLimitConfig struct {
	Limit   int                         // 限制次数
	Window  time.Duration               // 时间窗口
	KeyFunc func(c echo.Context) string // 自定义 Key 生成器
}

func NewRateLimitMiddleware(manager *limiter.Manager, config RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var key string
			if config.KeyFunc != nil {
				key = config.KeyFunc(c)
			}
			if key == "" {
				// 默认使用 IP
				key = c.RealIP()
			}
			// 加上前缀防止 Key 冲突
			redisKey := fmt.Sprintf("limiter:%s:%s", c.Path(), key)
			allowed, err := manager.Allow(c.Request().Context(), redisKey, config.Limit, config.Window)

			if err != nil {
				// Redis 报错时 Fail Open，避免 Redis 故障拖垮业务
				c.Logger().Errorf("Rate limit redis error: %v", err)
				return next(c)
			}

			if !allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "too many requests",
				})
			}
			return next(c)
		}
	}
}
