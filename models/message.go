package models

import "time"

// 消息角色
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleSystem   = "system"
)

// Message 只追加，不修改不删除
type Message struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	SessionID string    `json:"session_id" gorm:"size:36;index;not null"`
	Role      string    `json:"role" gorm:"size:16;not null"`
	Content   string    `json:"content" gorm:"type:text"`
	Category  string    `json:"category,omitempty" gorm:"size:32"`
	Metadata  string    `json:"metadata,omitempty" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"index;autoCreateTime"`
}
