package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"bgechat/models"
)

var ErrNotAnAgent = errors.New("user is not an agent")

// activeWindow 团队视图里判定"当前在线"的阈值。
// 这是客服的存活信号，和会话级的不活跃计时是两回事。
const activeWindow = 5 * time.Minute

// TeamMember 团队视图条目
type TeamMember struct {
	models.Agent
	IsOnline bool `json:"is_online"`
}

type AgentService struct {
	db *gorm.DB
}

func NewAgentService(db *gorm.DB) *AgentService {
	return &AgentService{db: db}
}

// AgentForUser 查用户对应的客服记录（带 User）
func (s *AgentService) AgentForUser(ctx context.Context, userID uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).Preload("User").Where("user_id = ?", userID).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotAnAgent
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// Touch 刷新客服的 last_active
func (s *AgentService) Touch(ctx context.Context, agentID uint) error {
	return s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("id = ?", agentID).
		Update("last_active", time.Now()).Error
}

// SetAvailability 设置是否接待新会话
func (s *AgentService) SetAvailability(ctx context.Context, agentID uint, available bool) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("User").First(&agent, agentID).Error; err != nil {
			return err
		}
		agent.IsAvailable = available
		agent.LastActive = time.Now()
		return tx.Model(&models.Agent{}).
			Where("id = ?", agentID).
			Updates(map[string]interface{}{
				"is_available": available,
				"last_active":  agent.LastActive,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// Team 启用中的客服列表，按 last_active 标在线状态
func (s *AgentService) Team(ctx context.Context) ([]TeamMember, error) {
	var agents []models.Agent
	err := s.db.WithContext(ctx).Preload("User").
		Where("is_active = ?", true).
		Order("last_active DESC").
		Find(&agents).Error
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-activeWindow)
	team := make([]TeamMember, 0, len(agents))
	for _, a := range agents {
		team = append(team, TeamMember{
			Agent:    a,
			IsOnline: a.LastActive.After(cutoff),
		})
	}
	return team, nil
}
