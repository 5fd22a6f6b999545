package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/datatypes"

	"auction/engine/rule"
	"auction/models"
)

// 出價相關的事件動作，其餘事件沿用歷史紀錄的動作名稱
const (
	EventBetPlaced    = "bet_placed"
	EventBetRetracted = "bet_retracted"
)

type options struct {
	logger    *slog.Logger
	publisher Publisher
	archiver  Archiver
}

type Option func(*options)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPublisher 設置轉移事件的發布者
func WithPublisher(publisher Publisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

// WithArchiver 設置移出記憶體前的歷史紀錄封存
func WithArchiver(archiver Archiver) Option {
	return func(o *options) {
		o.archiver = archiver
	}
}

// Engine 是標的成交引擎對外的操作入口
type Engine struct {
	store     Store
	groups    GroupConfigProvider
	recorder  *Recorder
	registry  *Registry
	publisher Publisher
	logger    *slog.Logger
}

// New 建立一個新的成交引擎
func New(store Store, groups GroupConfigProvider, opts ...Option) *Engine {
	options := options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	recorder := NewRecorder(store)
	return &Engine{
		store:     store,
		groups:    groups,
		recorder:  recorder,
		registry:  NewRegistry(store, groups, recorder, options.archiver, options.logger),
		publisher: options.publisher,
		logger:    options.logger.With(slog.String("caller", "Engine")),
	}
}

// Registry 回傳引擎使用的標的註冊表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// NewLot 是建立標的所需的資料
// ID 為空時自動產生，ClosesAt 為空時依群組設定的期間計算
type NewLot struct {
	ID       uuid.UUID
	GroupKey string
	ObjectID string
	Object   json.RawMessage
	ClosesAt *time.Time
}

// CreateLot 建立一個開放出價的標的
func (e *Engine) CreateLot(ctx context.Context, actor Actor, spec NewLot, now time.Time) (LotSnapshot, error) {
	const op = "engine.Engine.CreateLot"
	if actor.Blocked {
		return LotSnapshot{}, fmt.Errorf("%w: %s", ErrUserBlocked, actor.UserID)
	}
	if spec.GroupKey == "" || spec.ObjectID == "" {
		return LotSnapshot{}, fmt.Errorf("%w: group key and object id are required", ErrInvalidValue)
	}
	cfg, err := e.groups.GroupConfig(ctx, spec.GroupKey)
	if err != nil {
		return LotSnapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	r, err := rule.Parse(cfg.Rule)
	if err != nil {
		return LotSnapshot{}, err
	}
	rules, err := json.Marshal(cfg.Rule)
	if err != nil {
		return LotSnapshot{}, fmt.Errorf("%s: fail to marshal rule config: %w", op, err)
	}
	object := datatypes.JSON(`{}`)
	if len(spec.Object) > 0 {
		if !json.Valid(spec.Object) {
			return LotSnapshot{}, fmt.Errorf("%w: object is not valid JSON", ErrInvalidValue)
		}
		object = datatypes.JSON(spec.Object)
	}

	lotID := spec.ID
	if lotID == uuid.Nil {
		lotID = newID()
	}
	closesAt := spec.ClosesAt
	if closesAt == nil && cfg.Duration > 0 {
		closesAt = lo.ToPtr(now.Add(cfg.Duration))
	}
	lot := models.Lot{
		ID:        lotID,
		GroupKey:  spec.GroupKey,
		ObjectID:  spec.ObjectID,
		Object:    object,
		Rules:     datatypes.JSON(rules),
		UserID:    actor.UserID,
		State:     models.LotStateOpen,
		ClosesAt:  closesAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record := e.recorder.Prepare(Entry{
		LotID:  lotID,
		UserID: actor.UserID,
		Action: models.ActionCreated,
		Rule:   lo.ToPtr(string(r.ID())),
	}, now)

	m, err := e.registry.Create(ctx, lot, cfg, record)
	if err != nil {
		return LotSnapshot{}, err
	}
	e.publishRecord(record, models.LotStateOpen)
	return m.Snapshot(), nil
}

// PlaceBet 對標的出價
func (e *Engine) PlaceBet(ctx context.Context, lotID uuid.UUID, actor Actor, value int64, now time.Time) (models.Bet, error) {
	var (
		bet    models.Bet
		record *models.History
	)
	err := e.withLot(ctx, lotID, func(m *LotMachine) (err error) {
		bet, record, err = m.PlaceBet(ctx, actor, value, now)
		return err
	})
	if err != nil {
		return models.Bet{}, err
	}
	e.publish(LotEvent{
		LotID:  lotID,
		Seq:    bet.Seq,
		Action: EventBetPlaced,
		State:  models.LotStateOpen,
		UserID: actor.UserID,
		BetID:  lo.ToPtr(bet.ID),
		Value:  lo.ToPtr(bet.Value),
		At:     now,
	})
	if record != nil {
		e.publishRecord(*record, models.LotStateBooked)
	}
	return bet, nil
}

// RetractBet 撤回自己的出價
func (e *Engine) RetractBet(ctx context.Context, lotID, betID uuid.UUID, actor Actor, now time.Time) error {
	var bet models.Bet
	err := e.withLot(ctx, lotID, func(m *LotMachine) (err error) {
		bet, err = m.RetractBet(ctx, actor, betID, now)
		return err
	})
	if err != nil {
		return err
	}
	e.publish(LotEvent{
		LotID:  lotID,
		Seq:    bet.Seq,
		Action: EventBetRetracted,
		State:  models.LotStateOpen,
		UserID: actor.UserID,
		BetID:  lo.ToPtr(bet.ID),
		Value:  lo.ToPtr(bet.Value),
		At:     now,
	})
	return nil
}

// ForceBook 由營運人員手動成交，winningBetID 為 nil 代表沒有得標者
func (e *Engine) ForceBook(ctx context.Context, lotID uuid.UUID, operator Actor, winningBetID *uuid.UUID, now time.Time) (models.History, error) {
	return e.transition(ctx, lotID, models.LotStateBooked, func(m *LotMachine) (models.History, error) {
		return m.ForceBook(ctx, operator, winningBetID, now)
	})
}

// Resolve 在截止時間之後依規則成交
func (e *Engine) Resolve(ctx context.Context, lotID uuid.UUID, actor Actor, now time.Time) (models.History, error) {
	return e.transition(ctx, lotID, models.LotStateBooked, func(m *LotMachine) (models.History, error) {
		return m.Resolve(ctx, actor, now)
	})
}

// Confirm 確認已成交的標的
func (e *Engine) Confirm(ctx context.Context, lotID uuid.UUID, actor Actor, payload json.RawMessage, now time.Time) (models.History, error) {
	return e.transition(ctx, lotID, models.LotStateConfirmed, func(m *LotMachine) (models.History, error) {
		return m.Confirm(ctx, actor, payload, now)
	})
}

// Complete 完成已確認的標的
func (e *Engine) Complete(ctx context.Context, lotID uuid.UUID, actor Actor, payload json.RawMessage, now time.Time) (models.History, error) {
	return e.transition(ctx, lotID, models.LotStateCompleted, func(m *LotMachine) (models.History, error) {
		return m.Complete(ctx, actor, payload, now)
	})
}

// Cancel 取消尚未完成的標的
func (e *Engine) Cancel(ctx context.Context, lotID uuid.UUID, actor Actor, now time.Time) (models.History, error) {
	return e.transition(ctx, lotID, models.LotStateCancelled, func(m *LotMachine) (models.History, error) {
		return m.Cancel(ctx, actor, now)
	})
}

func (e *Engine) transition(ctx context.Context, lotID uuid.UUID, state models.LotState, fn func(m *LotMachine) (models.History, error)) (models.History, error) {
	var record models.History
	err := e.withLot(ctx, lotID, func(m *LotMachine) (err error) {
		record, err = fn(m)
		return err
	})
	if err != nil {
		return models.History{}, err
	}
	e.publishRecord(record, state)
	return record, nil
}

// withLot 在標的的狀態機上執行操作
// 其他實例已經推進了持久化的版本時，重新載入標的後再執行一次
func (e *Engine) withLot(ctx context.Context, lotID uuid.UUID, fn func(m *LotMachine) error) error {
	m, err := e.registry.GetOrCreate(ctx, lotID)
	if err != nil {
		return err
	}
	if err = fn(m); !errors.Is(err, ErrLotConflict) {
		return err
	}
	e.registry.Evict(lotID, m)
	if m, err = e.registry.GetOrCreate(ctx, lotID); err != nil {
		return err
	}
	return fn(m)
}

// GetLotState 回傳標的的狀態、有效出價與歷史紀錄
func (e *Engine) GetLotState(ctx context.Context, lotID uuid.UUID) (LotSnapshot, error) {
	m, err := e.registry.GetOrCreate(ctx, lotID)
	if err != nil {
		return LotSnapshot{}, err
	}
	return m.Snapshot(), nil
}

// Replay 依轉移順序回傳標的的歷史紀錄
func (e *Engine) Replay(ctx context.Context, lotID uuid.UUID) ([]models.History, error) {
	return e.recorder.Replay(ctx, lotID)
}

// Forget 將已完成或已取消的標的移出記憶體
func (e *Engine) Forget(ctx context.Context, lotID uuid.UUID) error {
	return e.registry.Forget(ctx, lotID)
}

func (e *Engine) publishRecord(record models.History, state models.LotState) {
	e.publish(LotEvent{
		LotID:  record.LotID,
		Seq:    record.Seq,
		Action: string(record.Action),
		State:  state,
		UserID: record.UserID,
		BetID:  record.BetID,
		Value:  record.RulePrice,
		At:     record.CreatedAt,
	})
}

func (e *Engine) publish(event LotEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(event); err != nil {
		e.logger.Error("Fail to publish lot event", slog.String("lotID", event.LotID.String()), slog.String("action", event.Action), slog.Any("error", err))
	}
}
