package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Auth     AuthConfig     `json:"auth"`
	Chat     ChatConfig     `json:"chat"`
	Kafka    KafkaConfig    `json:"kafka"`
	AI       AIConfig       `json:"ai"`
}

type ServerConfig struct {
	Addr        string   `json:"addr"`
	LogLevel    string   `json:"log_level"` // debug, info, warn, error
	CORSOrigins []string `json:"cors_origins"`
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	TokenExpiry   int    `json:"token_expiry"`   // in hours
	RefreshExpiry int    `json:"refresh_expiry"` // in hours
}

// ChatConfig 会话相关的阈值配置
type ChatConfig struct {
	InactivityMinutes  int `json:"inactivity_minutes"`   // 超时关闭阈值
	AbandonmentMinutes int `json:"abandonment_minutes"`  // 客户失联阈值
	SweepIntervalSecs  int `json:"sweep_interval_secs"`  // 后台清理间隔
	ClaimTimeoutMillis int `json:"claim_timeout_millis"` // claim 事务超时
}

type KafkaConfig struct {
	Enabled   bool     `json:"enabled"`
	Brokers   []string `json:"brokers"`
	Topic     string   `json:"topic"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Mechanism string   `json:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	UseTLS    bool     `json:"use_tls"`
	CertFile  string   `json:"cert_file"`
	KeyFile   string   `json:"key_file"`
	CAFile    string   `json:"ca_file"`
}

type AIConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	Model       string `json:"model"`
	TimeoutSecs int    `json:"timeout_secs"`
}

func (c *ChatConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityMinutes) * time.Minute
}

func (c *ChatConfig) AbandonmentThreshold() time.Duration {
	return time.Duration(c.AbandonmentMinutes) * time.Minute
}

func (c *ChatConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

func (c *ChatConfig) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutMillis) * time.Millisecond
}

// LoadConfig 读取 config/config.json，环境变量覆盖敏感项。
// .env 文件可选，本地开发用。
func LoadConfig() (config Config, err error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	file, err := os.Open(configPath())
	if err != nil {
		return config, err
	}
	defer func(file *os.File) {
		closeErr := file.Close()
		if closeErr != nil {
			log.Warnf("Error closing config file: %v", closeErr)
		}
	}(file)

	decoder := json.NewDecoder(file)
	if err = decoder.Decode(&config); err != nil {
		return config, err
	}

	config.applyDefaults()
	config.applyEnv()
	return config, nil
}

func configPath() string {
	if p := os.Getenv("BGECHAT_CONFIG"); p != "" {
		return p
	}
	return "config/config.json"
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 24
	}
	if c.Auth.RefreshExpiry == 0 {
		c.Auth.RefreshExpiry = 24 * 7
	}
	if c.Chat.InactivityMinutes == 0 {
		c.Chat.InactivityMinutes = 30
	}
	if c.Chat.AbandonmentMinutes == 0 {
		c.Chat.AbandonmentMinutes = 5
	}
	if c.Chat.SweepIntervalSecs == 0 {
		c.Chat.SweepIntervalSecs = 300
	}
	if c.Chat.ClaimTimeoutMillis == 0 {
		c.Chat.ClaimTimeoutMillis = 5000
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "chat.events"
	}
	if c.AI.TimeoutSecs == 0 {
		c.AI.TimeoutSecs = 30
	}
}

// applyEnv 环境变量优先于配置文件
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chat.SweepIntervalSecs = n
		}
	}
}
