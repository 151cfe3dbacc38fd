package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"bgechat/events"
	"bgechat/models"
)

// SweepResult 一次清理的统计
type SweepResult struct {
	Closed    int `json:"closed"`
	Abandoned int `json:"abandoned"`
}

// ReaperService 定期把不活跃会话强制转入终态。两类互相独立的扫描：
//   - 超时扫描：waiting/active 且 updated_at 超过 inactivity 阈值 → closed/inactive
//   - 失联扫描：active、有客服、updated_at 超过 abandonment 阈值、
//     且最后一条消息是客服发的（客户被问了没回）→ abandoned/customer_abandoned
type ReaperService struct {
	db          *gorm.DB
	bus         events.Publisher
	inactivity  time.Duration
	abandonment time.Duration
}

func NewReaperService(db *gorm.DB, bus events.Publisher, inactivity, abandonment time.Duration) *ReaperService {
	return &ReaperService{
		db:          db,
		bus:         bus,
		inactivity:  inactivity,
		abandonment: abandonment,
	}
}

// Run 后台循环，间隔 interval 跑一次 Sweep，ctx 取消后退出。
func (r *ReaperService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.Sweep(ctx)
			if err != nil {
				log.Errorf("reaper sweep failed: %v", err)
				continue
			}
			if result.Closed > 0 || result.Abandoned > 0 {
				log.Infof("reaper: closed=%d abandoned=%d", result.Closed, result.Abandoned)
			}
		}
	}
}

// Sweep 单次清理。逐会话独立处理，单个失败不影响本批其他会话；
// 每个会话在自己的事务里重查谓词，所以重复执行是幂等的。
func (r *ReaperService) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := time.Now()

	// 超时扫描
	staleCutoff := now.Add(-r.inactivity)
	var staleIDs []string
	err := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("status IN ? AND updated_at < ?", []string{models.StatusWaiting, models.StatusActive}, staleCutoff).
		Pluck("id", &staleIDs).Error
	if err != nil {
		return result, err
	}
	for _, id := range staleIDs {
		swept, err := r.reapOne(ctx, id, models.StatusClosed, models.ReasonInactive, staleCutoff)
		if err != nil {
			log.Errorf("reaper: failed to close session %s: %v", id, err)
			continue
		}
		if swept {
			result.Closed++
		}
	}

	// 失联扫描
	abandonCutoff := now.Add(-r.abandonment)
	var abandonIDs []string
	err = r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("status = ? AND agent_id IS NOT NULL AND updated_at < ?", models.StatusActive, abandonCutoff).
		Pluck("id", &abandonIDs).Error
	if err != nil {
		return result, err
	}
	for _, id := range abandonIDs {
		swept, err := r.reapOne(ctx, id, models.StatusAbandoned, models.ReasonCustomerAbandoned, abandonCutoff)
		if err != nil {
			log.Errorf("reaper: failed to abandon session %s: %v", id, err)
			continue
		}
		if swept {
			result.Abandoned++
		}
	}

	return result, nil
}

// reapOne 锁行、重查谓词、转终态。谓词已经不满足（并发操作抢先了）就跳过。
func (r *ReaperService) reapOne(ctx context.Context, sessionID, target, reason string, cutoff time.Time) (bool, error) {
	var session *models.ChatSession
	var systemMsg *models.Message

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ChatSession
		if err := lockForUpdate(tx).
			Where("id = ?", sessionID).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // 会话没了，跳过
			}
			return err
		}

		if models.IsTerminal(row.Status) || !row.UpdatedAt.Before(cutoff) {
			return nil
		}
		if target == models.StatusAbandoned {
			if row.Status != models.StatusActive || row.AgentID == nil {
				return nil
			}
			// 只有客户被问了没回才算失联；客户刚说过话的不动
			var last models.Message
			err := tx.Where("session_id = ?", sessionID).
				Order("timestamp DESC").
				First(&last).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // 一条消息都没有，谈不上失联
			}
			if err != nil {
				return err // 查询失败交给上层记日志，本批其他会话继续
			}
			if last.Role != models.RoleAgent {
				return nil
			}
		}
		if !models.CanTransition(row.Status, target) {
			return nil
		}

		now := time.Now()
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

		row.Status = target
		row.ClosedReason = reason
		row.ClosedAt = &now
		row.UpdatedAt = now
		session = &row
		return nil
	})
	if err != nil || session == nil {
		return false, err
	}

	ev := events.Event{
		Type: events.TypeSessionUpdated,
		Payload: map[string]interface{}{
			"session_id": session.ID,
			"status":     session.Status,
			"reason":     session.ClosedReason,
			"session":    session,
		},
	}
	r.bus.Publish(events.SessionRoom(session.ID), ev)
	r.bus.Publish(events.RoomAgents, ev)
	return true, nil
}
