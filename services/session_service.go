package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bgechat/events"
	"bgechat/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSessionFinished   = errors.New("session already finished")
)

// ClaimConflictError 会话已被别的客服认领（或已不在 waiting 状态）。
// 带上当前持有人，让输掉的客服后台立刻把会话从队列里移掉。
type ClaimConflictError struct {
	Status  string
	AgentID *uint
}

func (e *ClaimConflictError) Error() string {
	if e.AgentID != nil {
		return fmt.Sprintf("session already claimed by agent %d", *e.AgentID)
	}
	return fmt.Sprintf("session is %s, not claimable", e.Status)
}

// ClaimResult claim 的两种成功形态
type ClaimResult struct {
	Session        *models.ChatSession
	AlreadyClaimed bool // 同一客服重复 claim（双击、重连），幂等确认
}

// SessionPage 分页结果
type SessionPage struct {
	Sessions []models.SessionWithPreview `json:"sessions"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	Limit    int                         `json:"limit"`
	Pages    int                         `json:"pages"`
}

type SessionService struct {
	db           *gorm.DB
	bus          events.Publisher
	claimTimeout time.Duration
}

func NewSessionService(db *gorm.DB, bus events.Publisher, claimTimeout time.Duration) *SessionService {
	return &SessionService{
		db:           db,
		bus:          bus,
		claimTimeout: claimTimeout,
	}
}

// CreateSession 客户请求人工客服：建 waiting 会话 + 系统消息，
// 提交后通知 agents 房间有新排队会话。返回排队位置。
func (s *SessionService) CreateSession(ctx context.Context, name, email, metadata string) (*models.ChatSession, int, error) {
	session := &models.ChatSession{
		ID:            uuid.New().String(),
		Status:        models.StatusWaiting,
		CustomerName:  name,
		CustomerEmail: email,
		Metadata:      metadata,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return tx.Create(&models.Message{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Role:      models.RoleSystem,
			Content:   "Customer requested a live agent.",
			Category:  "live_agent",
		}).Error
	})
	if err != nil {
		return nil, 0, err
	}

	position, err := s.QueuePosition(ctx, session)
	if err != nil {
		// 排队位置只是展示信息，拿不到不影响会话创建
		position = 0
	}

	s.bus.Publish(events.RoomAgents, events.Event{
		Type: events.TypeNewWaitingSession,
		Payload: map[string]interface{}{
			"session":  session,
			"position": position,
		},
	})
	return session, position, nil
}

// Claim 排他认领。整个 check-and-set 在一个事务里，行级锁串行化
// 同一会话上的并发 claim；先提交者赢。广播在提交之后，失败不回滚。
func (s *SessionService) Claim(ctx context.Context, sessionID string, agent *models.Agent) (*ClaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.claimTimeout)
	defer cancel()

	result := &ClaimResult{}
	var systemMsg *models.Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.ChatSession
		if err := lockForUpdate(tx).
			Where("id = ?", sessionID).
			First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		// 幂等：同一客服重复 claim 直接确认，不再写库
		if session.Status == models.StatusActive && session.AgentID != nil && *session.AgentID == agent.ID {
			result.Session = &session
			result.AlreadyClaimed = true
			return nil
		}

		if session.Status != models.StatusWaiting || session.AgentID != nil {
			return &ClaimConflictError{Status: session.Status, AgentID: session.AgentID}
		}

		now := time.Now()
		session.Status = models.StatusActive
		session.AgentID = &agent.ID
		session.UpdatedAt = now
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"status":     models.StatusActive,
				"agent_id":   agent.ID,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		systemMsg = &models.Message{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Role:      models.RoleSystem,
			Content:   fmt.Sprintf("Agent %s joined the chat.", agent.User.Username),
			Category:  "claim",
		}
		if err := tx.Create(systemMsg).Error; err != nil {
			return err
		}

		result.Session = &session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyClaimed {
		payload := map[string]interface{}{
			"session_id": result.Session.ID,
			"agent_id":   agent.ID,
			"agent_name": agent.User.Username,
			"session":    result.Session,
		}
		ev := events.Event{Type: events.TypeChatClaimed, Payload: payload}
		s.bus.Publish(events.SessionRoom(result.Session.ID), ev)
		s.bus.Publish(events.RoomAgents, ev)
		if systemMsg != nil {
			s.publishMessage(systemMsg)
		}
	}
	return result, nil
}

// UpdateStatus 按状态表做显式流转。重复进入终态是幂等成功，
// 不会写第二条关闭系统消息。target 不允许是 active（只能走 Claim）。
func (s *SessionService) UpdateStatus(ctx context.Context, sessionID, target, reason string) (*models.ChatSession, error) {
	if !models.ValidStatus(target) || target == models.StatusActive || target == models.StatusWaiting {
		return nil, ErrInvalidTransition
	}
	if reason == "" {
		reason = models.ReasonManualClose
	}

	var session *models.ChatSession
	var systemMsg *models.Message
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ChatSession
		if err := lockForUpdate(tx).
			Where("id = ?", sessionID).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		// 已经是终态：幂等返回，不再变更
		if models.IsTerminal(row.Status) {
			session = &row
			return nil
		}
		if !models.CanTransition(row.Status, target) {
			return ErrInvalidTransition
		}

		now := time.Now()
		row.Status = target
		row.ClosedReason = reason
		row.ClosedAt = &now
		row.UpdatedAt = now
		if err := tx.Model(&models.ChatSession{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"status":        target,
				"closed_reason": reason,
				"closed_at":     now,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		systemMsg = &models.Message{
			ID:        uuid.New().String(),
			SessionID: row.ID,
			Role:      models.RoleSystem,
			Content:   closureMessage(target, reason),
			Category:  "status",
		}
		if err := tx.Create(systemMsg).Error; err != nil {
			return err
		}

		session = &row
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		ev := events.Event{
			Type: events.TypeSessionUpdated,
			Payload: map[string]interface{}{
				"session_id": session.ID,
				"status":     session.Status,
				"reason":     session.ClosedReason,
				"session":    session,
			},
		}
		s.bus.Publish(events.SessionRoom(session.ID), ev)
		s.bus.Publish(events.RoomAgents, ev)
		if systemMsg != nil {
			s.publishMessage(systemMsg)
		}
	}
	return session, nil
}

// AppendMessage 追加一条消息并刷新会话的 updated_at（不活跃检测的依据）。
func (s *SessionService) AppendMessage(ctx context.Context, sessionID, role, content, category string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Category:  category,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.ChatSession
		if err := tx.Where("id = ?", sessionID).First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if models.IsTerminal(session.Status) {
			return ErrSessionFinished
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatSession{}).
			Where("id = ?", sessionID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return nil, err
	}

	s.publishMessage(msg)
	return msg, nil
}

// 消息事件冗余发到 session 房间、customers 房间和 agents 房间，
// 容忍加入房间的竞态；客户端按消息 id 去重。
func (s *SessionService) publishMessage(msg *models.Message) {
	ev := events.Event{
		Type: events.TypeMessageReceived,
		Payload: map[string]interface{}{
			"id":         msg.ID,
			"session_id": msg.SessionID,
			"role":       msg.Role,
			"content":    msg.Content,
			"category":   msg.Category,
			"timestamp":  msg.Timestamp,
		},
	}
	s.bus.Publish(events.SessionRoom(msg.SessionID), ev)
	s.bus.Publish(events.RoomCustomers, ev)
	s.bus.Publish(events.RoomAgents, ev)
}

func (s *SessionService) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.db.WithContext(ctx).Preload("Agent.User").Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionService) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Limit(limit).Offset(offset).
		Find(&messages).Error
	return messages, err
}

// ListSessions 按状态分页，带最后一条消息摘要。
func (s *SessionService) ListSessions(ctx context.Context, status string, page, limit int) (*SessionPage, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := s.db.WithContext(ctx).Model(&models.ChatSession{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var sessions []models.SessionWithPreview
	err := s.db.WithContext(ctx).Table("chat_sessions").
		Select(`chat_sessions.*, m.content AS last_message, m.timestamp AS last_message_at`).
		Joins(`LEFT JOIN messages m ON m.id = (
			SELECT id FROM messages
			WHERE messages.session_id = chat_sessions.id
			ORDER BY timestamp DESC LIMIT 1
		)`).
		Scopes(func(db *gorm.DB) *gorm.DB {
			if status != "" {
				return db.Where("chat_sessions.status = ?", status)
			}
			return db
		}).
		Order("chat_sessions.created_at ASC").
		Limit(limit).Offset((page - 1) * limit).
		Scan(&sessions).Error
	if err != nil {
		return nil, err
	}

	return &SessionPage{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		Limit:    limit,
		Pages:    int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

// QueuePosition 排队位置 = 比它早创建且仍在 waiting 的会话数。
func (s *SessionService) QueuePosition(ctx context.Context, session *models.ChatSession) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("status = ? AND created_at < ?", models.StatusWaiting, session.CreatedAt).
		Count(&count).Error
	return int(count), err
}

func closureMessage(target, reason string) string {
	switch reason {
	case models.ReasonInactive:
		return "This chat was closed due to inactivity."
	case models.ReasonCustomerAbandoned:
		return "This chat was marked abandoned: the customer did not respond."
	case models.ReasonEndedByCustomer:
		return "The customer ended the chat."
	case models.ReasonEndedByAgent:
		return "The agent ended the chat."
	default:
		return fmt.Sprintf("This chat was %s.", target)
	}
}
