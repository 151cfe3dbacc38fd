package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"bgechat/config"
	"bgechat/events"
	"bgechat/handlers"
	"bgechat/hub"
	"bgechat/kafka"
	"bgechat/limiter"
	custommiddleware "bgechat/middleware"
	"bgechat/models"
	bgeredis "bgechat/redis"
	"bgechat/services"
)

type Server struct {
	Echo   *echo.Echo
	DB     *gorm.DB
	Config *config.Config
	Hub    *hub.Hub

	AuthHandler    *handlers.AuthHandler
	ChatHandler    *handlers.ChatHandler
	SessionHandler *handlers.SessionHandler
	AgentHandler   *handlers.AgentHandler
	CleanupHandler *handlers.CleanupHandler
	WSHandler      *handlers.WSHandler

	reaper       *services.ReaperService
	limitManager *limiter.Manager
	burstManager *limiter.Manager
	producer     *kafka.Producer
	reaperCancel context.CancelFunc
}

func NewServer() *Server {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	setLogLevel(cfg.Server.LogLevel)

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		log.Fatal("Failed to auto-migrate database:", err)
	}

	// Redis：hub 在线列表和限流用。连不上只降级，不拦启动。
	var redisClient *bgeredis.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = bgeredis.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warnf("redis unavailable, presence and rate limiting degraded: %v", err)
		}
	}

	// Kafka 事件镜像（可选）
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		saramaCfg, err := kafka.NewSaramaConfig(&cfg.Kafka)
		if err != nil {
			log.Fatal("Failed to build kafka config:", err)
		}
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers, saramaCfg)
		if err != nil {
			log.Fatal("Failed to connect to kafka:", err)
		}
	}

	// 初始化 Echo
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	corsOrigins := cfg.Server.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))

	// 事件总线：websocket 扇出 + 可选 Kafka 镜像，显式注入各个 service
	var rawRedis = redisClientOrNil(redisClient)
	h := hub.NewHub(rawRedis)
	var sink events.EventSink
	if producer != nil {
		sink = producer
	}
	bus := events.NewDispatcher(h, sink, cfg.Kafka.Topic)

	authService := services.NewAuthService(db, &cfg.Auth)
	agentService := services.NewAgentService(db)
	sessionService := services.NewSessionService(db, bus, cfg.Chat.ClaimTimeout())
	reaperService := services.NewReaperService(db, bus, cfg.Chat.InactivityThreshold(), cfg.Chat.AbandonmentThreshold())
	aiClient := services.NewAIClient(&cfg.AI)
	chatbotService := services.NewChatbotService(aiClient)

	// 固定窗口管建会话这类低频接口，令牌桶管消息发送（允许短突发）
	var limitManager, burstManager *limiter.Manager
	if rawRedis != nil {
		limitManager = limiter.NewManager(rawRedis, &limiter.FixedWindowStrategy{})
		burstManager = limiter.NewManager(rawRedis, &limiter.TokenBucketStrategy{})
	}

	s := &Server{
		Echo:           e,
		DB:             db,
		Config:         &cfg,
		Hub:            h,
		AuthHandler:    handlers.NewAuthHandler(authService),
		ChatHandler:    handlers.NewChatHandler(sessionService, chatbotService),
		SessionHandler: handlers.NewSessionHandler(sessionService),
		AgentHandler:   handlers.NewAgentHandler(agentService, h),
		CleanupHandler: handlers.NewCleanupHandler(reaperService),
		WSHandler:      handlers.NewWSHandler(authService, agentService, sessionService, h),
		reaper:         reaperService,
		limitManager:   limitManager,
		burstManager:   burstManager,
		producer:       producer,
	}

	// --- 设置路由 ---
	authMiddleware := custommiddleware.AuthMiddleware(authService)
	agentMiddleware := custommiddleware.AgentMiddleware(agentService)
	s.SetupRoutes(authMiddleware, agentMiddleware)

	// 后台清理
	ctx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	go reaperService.Run(ctx, cfg.Chat.SweepInterval())

	return s
}

func (s *Server) Start(addr string) {
	log.Fatal(s.Echo.Start(addr))
}

// Shutdown 停掉后台清理和 Kafka 生产者
func (s *Server) Shutdown(ctx context.Context) error {
	if s.reaperCancel != nil {
		s.reaperCancel()
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			log.Warnf("failed to close kafka producer: %v", err)
		}
	}
	return s.Echo.Shutdown(ctx)
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DEBUG)
	case "warn":
		log.SetLevel(log.WARN)
	case "error":
		log.SetLevel(log.ERROR)
	default:
		log.SetLevel(log.INFO)
	}
}

func redisClientOrNil(c *bgeredis.RedisClient) *redis.Client {
	if c == nil {
		return nil
	}
	return c.Client
}
