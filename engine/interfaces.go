package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auction/engine/rule"
	"auction/models"
)

// Actor 是身份提供者傳入的呼叫者資訊，引擎信任但不驗證
type Actor struct {
	UserID  uuid.UUID
	Role    models.Role
	Blocked bool
}

// IsOperator 判斷呼叫者是否為營運人員
func (a Actor) IsOperator() bool {
	return a.Role == models.RoleOperator
}

// Transition 是一次轉移要寫入的完整內容，必須以單一持久化寫入完成
// Record 在出價與撤回時為 nil，因為這兩種操作不改變標的狀態
// Lot.Version 必須比目前持久化的版本多一
type Transition struct {
	Lot    models.Lot
	Bets   []models.Bet
	Record *models.History
}

// LotRecord 是從持久化層載入的標的完整狀態
type LotRecord struct {
	Lot     models.Lot
	Bets    []models.Bet
	History []models.History
}

// Store 定義了持久化協作者的操作介面
type Store interface {
	// LoadLot 載入標的，不存在時回傳 ErrLotNotFound
	LoadLot(ctx context.Context, lotID uuid.UUID) (LotRecord, error)
	// SaveLotTransition 以單一交易寫入標的、出價與歷史紀錄
	// 新標的重複時回傳 ErrDuplicateLot，既有標的的版本已被其他寫入者推進時回傳 ErrLotConflict
	SaveLotTransition(ctx context.Context, t Transition) error
	// AppendHistory 單獨附加一筆歷史紀錄
	AppendHistory(ctx context.Context, record models.History) error
}

// GroupConfig 是群組的規則設定
type GroupConfig struct {
	Key          string
	Rule         rule.Config
	MinIncrement int64
	BetStep      int64
	Duration     time.Duration
}

// GroupConfigFromModel 將群組資料轉換為規則設定
func GroupConfigFromModel(group models.Group) (GroupConfig, error) {
	const op = "engine.GroupConfigFromModel"
	var cfg rule.Config
	if err := json.Unmarshal(group.Rules, &cfg); err != nil {
		return GroupConfig{}, fmt.Errorf("%s: %w: %v", op, rule.ErrInvalidParams, err)
	}
	return GroupConfig{
		Key:          group.Key,
		Rule:         cfg,
		MinIncrement: group.MinIncrement,
		BetStep:      group.BetStep,
		Duration:     time.Duration(group.Duration) * time.Second,
	}, nil
}

// GroupConfigProvider 定義了群組設定提供者的操作介面
type GroupConfigProvider interface {
	GroupConfig(ctx context.Context, groupKey string) (GroupConfig, error)
}

// ErrGroupNotFound 代表群組設定不存在
var ErrGroupNotFound = errors.New("group not found")

// StaticGroups 是固定在記憶體中的群組設定
type StaticGroups map[string]GroupConfig

func (g StaticGroups) GroupConfig(_ context.Context, groupKey string) (GroupConfig, error) {
	cfg, ok := g[groupKey]
	if !ok {
		return GroupConfig{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupKey)
	}
	return cfg, nil
}

// LotEvent 是每次轉移生效後發布的事件
type LotEvent struct {
	LotID  uuid.UUID       `json:"lot_id" msgpack:"lot_id"`
	Seq    int64           `json:"seq" msgpack:"seq"`
	Action string          `json:"action" msgpack:"action"`
	State  models.LotState `json:"state" msgpack:"state"`
	UserID uuid.UUID       `json:"user_id" msgpack:"user_id"`
	BetID  *uuid.UUID      `json:"bet_id,omitempty" msgpack:"bet_id,omitempty"`
	Value  *int64          `json:"value,omitempty" msgpack:"value,omitempty"`
	At     time.Time       `json:"at" msgpack:"at"`
}

// Publisher 定義了事件發布者的操作介面
type Publisher interface {
	Publish(event LotEvent) error
}

// Archiver 定義了歷史紀錄封存的操作介面
type Archiver interface {
	ArchiveHistory(ctx context.Context, lotID uuid.UUID, records []models.History) error
}
