package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BGECHAT_CONFIG", path)
}

func TestLoadConfigDefaults(t *testing.T) {
	writeConfig(t, `{"database": {"dsn": "host=localhost user=test"}}`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Chat.InactivityThreshold() != 30*time.Minute {
		t.Errorf("inactivity = %v, want 30m", cfg.Chat.InactivityThreshold())
	}
	if cfg.Chat.AbandonmentThreshold() != 5*time.Minute {
		t.Errorf("abandonment = %v, want 5m", cfg.Chat.AbandonmentThreshold())
	}
	if cfg.Chat.SweepInterval() != 300*time.Second {
		t.Errorf("sweep interval = %v, want 300s", cfg.Chat.SweepInterval())
	}
	if cfg.Chat.ClaimTimeout() != 5*time.Second {
		t.Errorf("claim timeout = %v, want 5s", cfg.Chat.ClaimTimeout())
	}
	if cfg.Kafka.Topic != "chat.events" {
		t.Errorf("kafka topic = %q, want chat.events", cfg.Kafka.Topic)
	}
}

func TestLoadConfigFileValues(t *testing.T) {
	writeConfig(t, `{
		"server": {"addr": ":9000", "log_level": "debug"},
		"chat": {"inactivity_minutes": 10, "abandonment_minutes": 2}
	}`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Chat.InactivityMinutes != 10 || cfg.Chat.AbandonmentMinutes != 2 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	writeConfig(t, `{
		"database": {"dsn": "from-file"},
		"auth": {"jwt_secret": "file-secret"}
	}`)
	t.Setenv("DATABASE_DSN", "from-env")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("SWEEP_INTERVAL_SECS", "60")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Database.DSN != "from-env" {
		t.Errorf("dsn = %q, want from-env", cfg.Database.DSN)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret = %q, want env-secret", cfg.Auth.JWTSecret)
	}
	if cfg.Chat.SweepIntervalSecs != 60 {
		t.Errorf("sweep secs = %d, want 60", cfg.Chat.SweepIntervalSecs)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("BGECHAT_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
