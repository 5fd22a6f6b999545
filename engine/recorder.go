package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"auction/models"
)

// Entry 是要寫入歷史紀錄的內容
type Entry struct {
	LotID              uuid.UUID
	UserID             uuid.UUID
	Action             models.Action
	Rule               *string
	RulePrice          *int64
	CurrentPrice       *int64
	CurrentPriceUserID *uuid.UUID
	BetID              *uuid.UUID
	ManualBooked       bool
}

type lotHistory struct {
	mu      sync.RWMutex
	records []models.History
}

// Recorder 是只能附加的歷史紀錄器
// 不同標的的寫入互不影響，同一標的的寫入由 LotMachine 串行化
type Recorder struct {
	store Store

	mu   sync.RWMutex
	lots map[uuid.UUID]*lotHistory
}

// NewRecorder 建立一個新的歷史紀錄器
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store: store,
		lots:  make(map[uuid.UUID]*lotHistory),
	}
}

func (r *Recorder) lot(lotID uuid.UUID) *lotHistory {
	r.mu.RLock()
	h, ok := r.lots[lotID]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.lots[lotID]; !ok {
		h = &lotHistory{}
		r.lots[lotID] = h
	}
	return h
}

// Load 將已持久化的歷史紀錄載入記憶體
func (r *Recorder) Load(lotID uuid.UUID, records []models.History) {
	h := r.lot(lotID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append([]models.History(nil), records...)
}

// Prepare 產生下一筆歷史紀錄，但尚未附加
func (r *Recorder) Prepare(entry Entry, now time.Time) models.History {
	seq := int64(1)
	r.mu.RLock()
	h, ok := r.lots[entry.LotID]
	r.mu.RUnlock()
	if ok {
		h.mu.RLock()
		if n := len(h.records); n > 0 {
			seq = h.records[n-1].Seq + 1
		}
		h.mu.RUnlock()
	}

	return models.History{
		ID:                 newID(),
		LotID:              entry.LotID,
		Seq:                seq,
		Action:             entry.Action,
		UserID:             entry.UserID,
		Rule:               entry.Rule,
		RulePrice:          entry.RulePrice,
		CurrentPrice:       entry.CurrentPrice,
		CurrentPriceUserID: entry.CurrentPriceUserID,
		BetID:              entry.BetID,
		ManualBooked:       entry.ManualBooked,
		CreatedAt:          now,
	}
}

// Commit 在持久化成功後附加歷史紀錄
func (r *Recorder) Commit(record models.History) {
	h := r.lot(record.LotID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
}

// Record 單獨寫入一筆歷史紀錄
func (r *Recorder) Record(ctx context.Context, entry Entry, now time.Time) (models.History, error) {
	const op = "engine.Recorder.Record"
	if entry.LotID == uuid.Nil || entry.Action == "" {
		return models.History{}, fmt.Errorf("%s: lot id and action are required", op)
	}
	record := r.Prepare(entry, now)
	if err := r.store.AppendHistory(ctx, record); err != nil {
		return models.History{}, persistenceError(entry.LotID, op, err)
	}
	r.Commit(record)
	return record, nil
}

// Resident 判斷標的的歷史紀錄是否在記憶體中
func (r *Recorder) Resident(lotID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.lots[lotID]
	return ok
}

// Records 回傳記憶體中的歷史紀錄複本
func (r *Recorder) Records(lotID uuid.UUID) []models.History {
	r.mu.RLock()
	h, ok := r.lots[lotID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.History(nil), h.records...)
}

// Replay 依轉移順序回傳標的的完整歷史紀錄
// 標的不在記憶體中時從持久化層載入
func (r *Recorder) Replay(ctx context.Context, lotID uuid.UUID) ([]models.History, error) {
	const op = "engine.Recorder.Replay"
	if r.Resident(lotID) {
		return r.Records(lotID), nil
	}
	rec, err := r.store.LoadLot(ctx, lotID)
	if err != nil {
		if errors.Is(err, ErrLotNotFound) {
			return nil, err
		}
		return nil, persistenceError(lotID, op, err)
	}
	return rec.History, nil
}

// Forget 將標的的歷史紀錄移出記憶體
func (r *Recorder) Forget(lotID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lots, lotID)
}

// Replayed 是從歷史紀錄重建出的標的結果
type Replayed struct {
	State        models.LotState
	WinnerBetID  *uuid.UUID
	WinnerUserID *uuid.UUID
	Price        *int64
	Rule         *string
	ManualBooked bool
}

// Reconstruct 依序套用歷史紀錄，重建標的最終狀態
// 歷史紀錄是已完成標的的唯一依據，順序不合法時回傳 ErrInvalidTransition
func Reconstruct(records []models.History) (Replayed, error) {
	var out Replayed
	for i, record := range records {
		if record.Seq != int64(i+1) {
			return Replayed{}, fmt.Errorf("%w: record %d has seq %d", ErrInvalidTransition, i, record.Seq)
		}
		next, err := applyAction(out.State, record.Action)
		if err != nil {
			return Replayed{}, err
		}
		out.State = next
		if record.Action == models.ActionBooked {
			out.WinnerBetID = record.BetID
			out.Price = record.RulePrice
			out.Rule = record.Rule
			out.ManualBooked = record.ManualBooked
			if record.BetID != nil {
				out.WinnerUserID = record.CurrentPriceUserID
			}
		}
	}
	if out.State == "" {
		return Replayed{}, fmt.Errorf("%w: empty history", ErrInvalidTransition)
	}
	return out, nil
}

func applyAction(state models.LotState, action models.Action) (models.LotState, error) {
	switch {
	case state == "" && action == models.ActionCreated:
		return models.LotStateOpen, nil
	case state == models.LotStateOpen && action == models.ActionBooked:
		return models.LotStateBooked, nil
	case state == models.LotStateBooked && action == models.ActionConfirmed:
		return models.LotStateConfirmed, nil
	case state == models.LotStateConfirmed && action == models.ActionCompleted:
		return models.LotStateCompleted, nil
	case action == models.ActionCancelled && state != "" && !state.Terminal():
		return models.LotStateCancelled, nil
	}
	return "", fmt.Errorf("%w: %s after %q", ErrInvalidTransition, action, state)
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
