package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/datatypes"

	"auction/engine/rule"
	"auction/models"
)

// 每個動作允許的來源狀態
var transitionSources = map[models.Action][]models.LotState{
	models.ActionBooked:    {models.LotStateOpen},
	models.ActionConfirmed: {models.LotStateBooked},
	models.ActionCompleted: {models.LotStateConfirmed},
	models.ActionCancelled: {models.LotStateOpen, models.LotStateBooked, models.LotStateConfirmed},
}

func guardTransition(lotID uuid.UUID, state models.LotState, action models.Action) error {
	if lo.Contains(transitionSources[action], state) {
		return nil
	}
	var err error
	switch {
	case state == models.LotStateCancelled:
		err = ErrLotCancelled
	case state == models.LotStateCompleted:
		err = ErrTerminalState
	case state == models.LotStateOpen && (action == models.ActionConfirmed || action == models.ActionCompleted):
		err = ErrNotBooked
	default:
		err = ErrInvalidTransition
	}
	return fmt.Errorf("%w: cannot apply %s to lot %s in state %s", err, action, lotID, state)
}

// authorize 檢查呼叫者是否可以對標的套用動作，必須在持有標的鎖時呼叫
// 營運人員可以套用任何動作，其餘呼叫者依與標的的關係判斷
func (m *LotMachine) authorize(actor Actor, action models.Action) error {
	if actor.Blocked {
		return fmt.Errorf("%w: %s", ErrUserBlocked, actor.UserID)
	}
	if actor.IsOperator() {
		return nil
	}
	owner := actor.UserID == m.lot.UserID
	winner := false
	if bet, ok := m.ledger.Winner(); ok {
		winner = bet.UserID == actor.UserID
	}
	var allowed bool
	switch action {
	case models.ActionBooked, models.ActionCancelled:
		allowed = owner
	case models.ActionConfirmed:
		allowed = winner
	case models.ActionCompleted:
		allowed = winner || owner
	}
	if !allowed {
		return fmt.Errorf("%w: user %s cannot apply %s to lot %s", ErrForbidden, actor.UserID, action, m.lot.ID)
	}
	return nil
}

// LotSnapshot 是標的在某個時間點的一致性快照
type LotSnapshot struct {
	Lot     models.Lot
	State   models.LotState
	Bets    []models.Bet
	Winner  *models.Bet
	History []models.History
}

// LotMachine 擁有單一標的的生命週期
// 所有變更操作都在標的自己的臨界區內執行，不同標的之間互不阻塞
type LotMachine struct {
	mu     sync.RWMutex
	lot    models.Lot
	ledger *Ledger
	rule   rule.Rule
	policy BetPolicy

	store    Store
	recorder *Recorder
	logger   *slog.Logger
}

func newLotMachine(rec LotRecord, policy BetPolicy, store Store, recorder *Recorder, logger *slog.Logger) (*LotMachine, error) {
	const op = "engine.newLotMachine"
	r, _, err := rule.ParseJSON(rec.Lot.Rules)
	if err != nil {
		return nil, fmt.Errorf("%s: lot=%s: %w", op, rec.Lot.ID, err)
	}
	return &LotMachine{
		lot:      rec.Lot,
		ledger:   NewLedger(rec.Bets, rec.Lot.State != models.LotStateOpen),
		rule:     r,
		policy:   policy,
		store:    store,
		recorder: recorder,
		logger:   logger.With(slog.String("lotID", rec.Lot.ID.String())),
	}, nil
}

// ID 回傳標的識別碼
func (m *LotMachine) ID() uuid.UUID {
	return m.lot.ID
}

// apply 以單一持久化寫入套用轉移，成功後才更新記憶體中的狀態
func (m *LotMachine) apply(ctx context.Context, op string, next models.Lot, ledger *Ledger, entry *Entry, now time.Time) (*models.History, error) {
	var record *models.History
	if entry != nil {
		prepared := m.recorder.Prepare(*entry, now)
		record = &prepared
	}
	next.UpdatedAt = now
	next.Version = m.lot.Version + 1
	err := m.store.SaveLotTransition(ctx, Transition{
		Lot:    next,
		Bets:   ledger.All(),
		Record: record,
	})
	if errors.Is(err, ErrLotConflict) {
		m.logger.Warn("Lot is stale", slog.String("op", op), slog.Int64("version", m.lot.Version))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err != nil {
		m.logger.Error("Fail to persist lot transition", slog.String("op", op), slog.Any("error", err))
		return nil, persistenceError(m.lot.ID, op, err)
	}
	m.lot = next
	m.ledger = ledger
	if record != nil {
		m.recorder.Commit(*record)
		m.logger.Info("Lot transition applied", slog.String("action", string(record.Action)), slog.Int64("seq", record.Seq))
	}
	return record, nil
}

// book 在複本上完成成交：凍結帳本、標記得標者並產生歷史紀錄內容
func (m *LotMachine) book(next *models.Lot, ledger *Ledger, outcome rule.Outcome, actor Actor, manual bool, now time.Time) (*Entry, error) {
	ledger.Freeze()
	var betID *uuid.UUID
	if outcome.Winner != nil {
		winner, err := ledger.MarkWinner(outcome.Winner.ID)
		if err != nil {
			return nil, err
		}
		betID = lo.ToPtr(winner.ID)
	}
	next.State = models.LotStateBooked
	next.BookedAt = lo.ToPtr(now)
	next.ManualBooked = manual
	return &Entry{
		LotID:              next.ID,
		UserID:             actor.UserID,
		Action:             models.ActionBooked,
		Rule:               lo.ToPtr(string(m.rule.ID())),
		RulePrice:          outcome.Price,
		CurrentPrice:       outcome.CurrentPrice,
		CurrentPriceUserID: outcome.CurrentPriceUserID,
		BetID:              betID,
		ManualBooked:       manual,
	}, nil
}

// PlaceBet 將出價附加到帳本，出價滿足規則條件時在同一個轉移中自動成交
func (m *LotMachine) PlaceBet(ctx context.Context, actor Actor, value int64, now time.Time) (models.Bet, *models.History, error) {
	const op = "engine.LotMachine.PlaceBet"
	m.mu.Lock()
	defer m.mu.Unlock()

	if actor.Blocked {
		return models.Bet{}, nil, fmt.Errorf("%w: %s", ErrUserBlocked, actor.UserID)
	}
	if m.lot.State != models.LotStateOpen {
		return models.Bet{}, nil, fmt.Errorf("%w: lot %s is %s", ErrLotClosed, m.lot.ID, m.lot.State)
	}
	if m.lot.ClosesAt != nil && !now.Before(*m.lot.ClosesAt) {
		return models.Bet{}, nil, fmt.Errorf("%w: lot %s closed at %s", ErrLotClosed, m.lot.ID, m.lot.ClosesAt.Format(time.RFC3339))
	}

	ledger := m.ledger.Clone()
	bet, err := ledger.Place(models.Bet{
		ID:        newID(),
		LotID:     m.lot.ID,
		UserID:    actor.UserID,
		Value:     value,
		CreatedAt: now,
	}, m.policy)
	if err != nil {
		return models.Bet{}, nil, err
	}

	next := m.lot
	var entry *Entry
	if m.rule.Triggered(bet) {
		outcome := m.rule.Evaluate(ledger.Snapshot())
		if entry, err = m.book(&next, ledger, outcome, actor, false, now); err != nil {
			return models.Bet{}, nil, err
		}
	}

	record, err := m.apply(ctx, op, next, ledger, entry, now)
	if err != nil {
		return models.Bet{}, nil, err
	}
	bet, _ = m.ledger.Active(bet.ID)
	m.logger.Debug("Bet placed", slog.String("betID", bet.ID.String()), slog.Int64("value", value), slog.Bool("booked", record != nil))
	return bet, record, nil
}

// RetractBet 撤回使用者自己的出價，成交後出價不可再變更
func (m *LotMachine) RetractBet(ctx context.Context, actor Actor, betID uuid.UUID, now time.Time) (models.Bet, error) {
	const op = "engine.LotMachine.RetractBet"
	m.mu.Lock()
	defer m.mu.Unlock()

	if actor.Blocked {
		return models.Bet{}, fmt.Errorf("%w: %s", ErrUserBlocked, actor.UserID)
	}
	switch m.lot.State {
	case models.LotStateOpen:
	case models.LotStateCancelled:
		return models.Bet{}, fmt.Errorf("%w: lot %s", ErrLotCancelled, m.lot.ID)
	default:
		return models.Bet{}, fmt.Errorf("%w: lot %s is %s", ErrImmutableBet, m.lot.ID, m.lot.State)
	}

	ledger := m.ledger.Clone()
	bet, err := ledger.Retract(betID, actor.UserID, now)
	if err != nil {
		return models.Bet{}, err
	}
	if _, err := m.apply(ctx, op, m.lot, ledger, nil, now); err != nil {
		return models.Bet{}, err
	}
	m.logger.Debug("Bet retracted", slog.String("betID", betID.String()))
	return bet, nil
}

// ForceBook 由營運人員手動成交，betID 為 nil 代表沒有得標者
func (m *LotMachine) ForceBook(ctx context.Context, actor Actor, betID *uuid.UUID, now time.Time) (models.History, error) {
	const op = "engine.LotMachine.ForceBook"
	m.mu.Lock()
	defer m.mu.Unlock()

	if actor.Blocked {
		return models.History{}, fmt.Errorf("%w: %s", ErrUserBlocked, actor.UserID)
	}
	if !actor.IsOperator() {
		return models.History{}, fmt.Errorf("%w: force booking requires operator role", ErrForbidden)
	}
	if err := guardTransition(m.lot.ID, m.lot.State, models.ActionBooked); err != nil {
		return models.History{}, err
	}

	ledger := m.ledger.Clone()
	var winner *models.Bet
	if betID != nil {
		bet, ok := ledger.Active(*betID)
		if !ok {
			return models.History{}, fmt.Errorf("%w: %s", ErrBetNotFound, *betID)
		}
		winner = &bet
	}
	next := m.lot
	entry, err := m.book(&next, ledger, rule.Reference(winner, ledger.Snapshot()), actor, true, now)
	if err != nil {
		return models.History{}, err
	}
	record, err := m.apply(ctx, op, next, ledger, entry, now)
	if err != nil {
		return models.History{}, err
	}
	return *record, nil
}

// Resolve 在截止時間之後依規則評估帳本並成交
// 帳本為空時以沒有得標者的結果成交，只有營運人員與標的擁有者可以觸發
func (m *LotMachine) Resolve(ctx context.Context, actor Actor, now time.Time) (models.History, error) {
	const op = "engine.LotMachine.Resolve"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(actor, models.ActionBooked); err != nil {
		return models.History{}, err
	}
	if err := guardTransition(m.lot.ID, m.lot.State, models.ActionBooked); err != nil {
		return models.History{}, err
	}
	if m.lot.ClosesAt == nil || now.Before(*m.lot.ClosesAt) {
		return models.History{}, fmt.Errorf("%w: lot %s has not reached its deadline", ErrInvalidTransition, m.lot.ID)
	}

	ledger := m.ledger.Clone()
	next := m.lot
	entry, err := m.book(&next, ledger, m.rule.Evaluate(ledger.Snapshot()), actor, false, now)
	if err != nil {
		return models.History{}, err
	}
	record, err := m.apply(ctx, op, next, ledger, entry, now)
	if err != nil {
		return models.History{}, err
	}
	return *record, nil
}

// Confirm 以外部確認資料將已成交的標的轉為已確認，由得標者或營運人員執行
func (m *LotMachine) Confirm(ctx context.Context, actor Actor, payload json.RawMessage, now time.Time) (models.History, error) {
	const op = "engine.LotMachine.Confirm"
	data, err := normalizePayload(payload)
	if err != nil {
		return models.History{}, err
	}
	return m.advance(ctx, op, actor, models.ActionConfirmed, now, func(next *models.Lot) {
		next.State = models.LotStateConfirmed
		next.ConfirmedAt = lo.ToPtr(now)
		next.Confirm = data
	})
}

// Complete 以外部完成資料結束標的，之後不允許任何轉移
// 得標者、標的擁有者或營運人員可以執行
func (m *LotMachine) Complete(ctx context.Context, actor Actor, payload json.RawMessage, now time.Time) (models.History, error) {
	const op = "engine.LotMachine.Complete"
	data, err := normalizePayload(payload)
	if err != nil {
		return models.History{}, err
	}
	return m.advance(ctx, op, actor, models.ActionCompleted, now, func(next *models.Lot) {
		next.State = models.LotStateCompleted
		next.CompletedAt = lo.ToPtr(now)
		next.Complete = data
	})
}

// Cancel 取消尚未完成的標的，由營運人員或標的擁有者執行
func (m *LotMachine) Cancel(ctx context.Context, actor Actor, now time.Time) (models.History, error) {
	const op = "engine.LotMachine.Cancel"
	return m.advance(ctx, op, actor, models.ActionCancelled, now, func(next *models.Lot) {
		next.State = models.LotStateCancelled
		next.DeletedAt = lo.ToPtr(now)
	})
}

// normalizePayload 檢查外部資料是否為合法的 JSON，空資料視為沒有資料
func normalizePayload(payload json.RawMessage) (datatypes.JSON, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidValue)
	}
	return datatypes.JSON(payload), nil
}

func (m *LotMachine) advance(ctx context.Context, op string, actor Actor, action models.Action, now time.Time, mutate func(next *models.Lot)) (models.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(actor, action); err != nil {
		return models.History{}, err
	}
	if err := guardTransition(m.lot.ID, m.lot.State, action); err != nil {
		return models.History{}, err
	}
	ledger := m.ledger.Clone()
	ledger.Freeze()
	next := m.lot
	mutate(&next)
	record, err := m.apply(ctx, op, next, ledger, &Entry{
		LotID:  m.lot.ID,
		UserID: actor.UserID,
		Action: action,
	}, now)
	if err != nil {
		return models.History{}, err
	}
	return *record, nil
}

// Snapshot 回傳標的的一致性快照
func (m *LotMachine) Snapshot() LotSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := LotSnapshot{
		Lot:     m.lot,
		State:   m.lot.State,
		Bets:    m.ledger.Snapshot(),
		History: m.recorder.Records(m.lot.ID),
	}
	if winner, ok := m.ledger.Winner(); ok {
		snapshot.Winner = &winner
	}
	return snapshot
}

func (m *LotMachine) key() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return objectKey(m.lot.GroupKey, m.lot.ObjectID)
}

// State 回傳標的目前的狀態
func (m *LotMachine) State() models.LotState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lot.State
}
