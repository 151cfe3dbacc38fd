package models

import "time"

type Agent struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UserID      uint      `json:"user_id" gorm:"uniqueIndex;not null"`
	Role        string    `json:"role" gorm:"size:16;default:'agent'"` // agent, supervisor
	IsActive    bool      `json:"is_active" gorm:"default:true"`
	IsAvailable bool      `json:"is_available" gorm:"default:false"`
	LastActive  time.Time `json:"last_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	User User `json:"user" gorm:"foreignKey:UserID"`
}
