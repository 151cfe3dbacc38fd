package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bgechat/events"
	"bgechat/models"
)

// newTestDB 每个测试一个独立的内存库。单连接，写事务天然串行，
// 和生产环境 postgres 行锁的语义对齐。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type publishedEvent struct {
	Room  string
	Event events.Event
}

// fakeBus 记录所有发布的事件
type fakeBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeBus) Publish(room string, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Room: room, Event: ev})
}

func (f *fakeBus) byType(eventType string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.Event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBus) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// makeAgent 建一个 user + agent
func makeAgent(t *testing.T, db *gorm.DB, username string) *models.Agent {
	t.Helper()

	user := models.User{
		Email:    username + "@example.com",
		Username: username,
		Password: "x",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	agent := models.Agent{
		UserID:     user.ID,
		Role:       "agent",
		IsActive:   true,
		LastActive: time.Now(),
		User:       user,
	}
	if err := db.Create(&agent).Error; err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return &agent
}

// backdate 把会话的 updated_at 改到过去（绕过 gorm 的自动时间戳）
func backdate(t *testing.T, db *gorm.DB, sessionID string, age time.Duration) {
	t.Helper()
	err := db.Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error
	if err != nil {
		t.Fatalf("failed to backdate session: %v", err)
	}
}

func countMessages(t *testing.T, db *gorm.DB, sessionID, category string) int64 {
	t.Helper()
	var n int64
	q := db.Model(&models.Message{}).Where("session_id = ?", sessionID)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("failed to count messages: %v", err)
	}
	return n
}
