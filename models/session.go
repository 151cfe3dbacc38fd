package models

import "time"

// 会话状态。字符串值对外稳定，前端 widget 和客服后台直接比对。
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusClosed    = "closed"
	StatusAbandoned = "abandoned"
	StatusEnded     = "ended"
)

// 关闭原因
const (
	ReasonInactive          = "inactive"
	ReasonCustomerAbandoned = "customer_abandoned"
	ReasonManualClose       = "manual_close"
	ReasonEndedByCustomer   = "ended_by_customer"
	ReasonEndedByAgent      = "ended_by_agent"
)

type ChatSession struct {
	ID            string     `json:"id" gorm:"primaryKey;size:36"`
	Status        string     `json:"status" gorm:"size:16;index;default:'waiting'"`
	AgentID       *uint      `json:"agent_id" gorm:"index"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	ClosedReason  string     `json:"closed_reason,omitempty" gorm:"size:32"`
	Metadata      string     `json:"metadata,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"index"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`

	Agent *Agent `json:"agent,omitempty" gorm:"foreignKey:AgentID"`
}

// SessionWithPreview 列表接口用，带最后一条消息摘要
type SessionWithPreview struct {
	ChatSession
	LastMessage   string     `json:"last_message" gorm:"column:last_message"`
	LastMessageAt *time.Time `json:"last_message_at" gorm:"column:last_message_at"`
}

var terminalStatuses = map[string]bool{
	StatusClosed:    true,
	StatusAbandoned: true,
	StatusEnded:     true,
}

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// 状态机：waiting → active → {closed, ended, abandoned}；
// waiting 也可以直接进终态（客户在被认领前离开，或排队超时）。
var validTransitions = map[string]map[string]bool{
	StatusWaiting: {
		StatusActive:    true,
		StatusClosed:    true,
		StatusEnded:     true,
		StatusAbandoned: true,
	},
	StatusActive: {
		StatusClosed:    true,
		StatusEnded:     true,
		StatusAbandoned: true,
	},
}

// CanTransition reports whether from→to is a legal session transition.
// Terminal states have no outgoing edges; idempotent re-close is handled
// by the caller, not the table.
func CanTransition(from, to string) bool {
	return validTransitions[from][to]
}

// ValidStatus reports whether s is one of the fixed status strings.
func ValidStatus(s string) bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed, StatusAbandoned, StatusEnded:
		return true
	}
	return false
}
