package models

import (
	"time"

	"github.com/google/uuid"
)

// Role 代表使用者在拍賣系統中的角色
type Role string

const (
	RoleBidder   Role = "bidder"
	RoleOperator Role = "operator"
)

// User 代表拍賣系統中的使用者
// 包含基本的使用者資訊，如使用者名稱、角色與是否被封鎖
type User struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	Username string    `gorm:"type:varchar(255);not null;uniqueIndex;<-:create"`
	Role     Role      `gorm:"type:varchar(16);not null;default:'bidder'"`
	Blocked  bool      `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
