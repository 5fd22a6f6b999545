package models

import (
	"time"

	"gorm.io/datatypes"
)

// Group 代表一組共用規則設定的拍賣標的
// Duration 為標的開放出價的秒數，0 代表沒有截止時間
type Group struct {
	Key          string         `gorm:"type:varchar(64);primaryKey"`
	Rules        datatypes.JSON `gorm:"not null"`
	MinIncrement int64          `gorm:"not null;default:0"`
	BetStep      int64          `gorm:"not null;default:0"`
	Duration     int64          `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
