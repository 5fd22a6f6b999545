package models

import (
	"time"

	"github.com/google/uuid"
)

// Bet 代表使用者對拍賣標的的一次出價
// Seq 是出價進入帳本的順序，同價時以此判斷先後
type Bet struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	LotID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bet_lot_id_seq;<-:create"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_bet_lot_id_seq;<-:create"`
	Value     int64     `gorm:"not null;<-:create"`
	Winner    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Active 判斷出價是否尚未被撤回
func (b Bet) Active() bool {
	return b.DeletedAt == nil
}
