package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LotState 代表拍賣標的在生命週期中的狀態
type LotState string

const (
	LotStateOpen      LotState = "open"
	LotStateBooked    LotState = "booked"
	LotStateConfirmed LotState = "confirmed"
	LotStateCompleted LotState = "completed"
	LotStateCancelled LotState = "cancelled"
)

// Terminal 判斷狀態是否已經不會再改變
func (s LotState) Terminal() bool {
	return s == LotStateCompleted || s == LotStateCancelled
}

// Lot 代表一個拍賣標的
// 包含所屬群組、被分配的物件、規則設定以及生命週期中各階段的時間
type Lot struct {
	ID       uuid.UUID      `gorm:"type:uuid;primaryKey"`
	GroupKey string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_lot_group_key_object_id;<-:create"`
	ObjectID string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_lot_group_key_object_id;<-:create"`
	Object   datatypes.JSON `gorm:"not null"`
	Rules    datatypes.JSON `gorm:"not null;<-:create"`
	UserID   uuid.UUID      `gorm:"type:uuid;not null;<-:create"`
	State    LotState       `gorm:"type:varchar(16);not null;index"`

	ClosesAt     *time.Time
	BookedAt     *time.Time
	ConfirmedAt  *time.Time
	CompletedAt  *time.Time
	DeletedAt    *time.Time
	ManualBooked bool `gorm:"not null;default:false"`

	Confirm  datatypes.JSON
	Complete datatypes.JSON

	// Version 每次轉移加一，寫入時以前一個版本作為條件
	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
