package models

import (
	"time"

	"github.com/google/uuid"
)

// Action 代表歷史紀錄中的動作
type Action string

const (
	ActionCreated   Action = "created"
	ActionBooked    Action = "booked"
	ActionConfirmed Action = "confirmed"
	ActionCompleted Action = "completed"
	ActionCancelled Action = "cancelled"
)

// History 代表拍賣標的的一筆不可變更的稽核紀錄
// LotID 與 UserID 只是識別碼，不建立外鍵，刪除標的或使用者不會連帶刪除紀錄
type History struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey;<-:create"`
	LotID              uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_history_lot_id_seq;<-:create"`
	Seq                int64      `gorm:"not null;uniqueIndex:idx_history_lot_id_seq;<-:create"`
	Action             Action     `gorm:"type:varchar(32);not null;<-:create"`
	UserID             uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	Rule               *string    `gorm:"type:varchar(64);<-:create"`
	RulePrice          *int64     `gorm:"<-:create"`
	CurrentPrice       *int64     `gorm:"<-:create"`
	CurrentPriceUserID *uuid.UUID `gorm:"type:uuid;<-:create"`
	BetID              *uuid.UUID `gorm:"type:uuid;<-:create"`
	ManualBooked       bool       `gorm:"not null;default:false;<-:create"`
	CreatedAt          time.Time  `gorm:"<-:create"`
}

// TableName 沿用稽核紀錄的單數表名
func (History) TableName() string {
	return "history"
}
