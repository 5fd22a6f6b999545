package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"auction/models"
)

// Registry 是標的狀態機的唯一入口
// 第一次存取時建立，完成或取消後可移出記憶體，之後再存取時從持久化層重建
type Registry struct {
	store    Store
	groups   GroupConfigProvider
	recorder *Recorder
	archiver Archiver
	logger   *slog.Logger

	mu      sync.RWMutex
	lots    map[uuid.UUID]*LotMachine
	objects map[string]uuid.UUID
	loads   singleflight.Group
}

// NewRegistry 建立一個新的標的註冊表
func NewRegistry(store Store, groups GroupConfigProvider, recorder *Recorder, archiver Archiver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		groups:   groups,
		recorder: recorder,
		archiver: archiver,
		logger:   logger.With(slog.String("caller", "Registry")),
		lots:     make(map[uuid.UUID]*LotMachine),
		objects:  make(map[string]uuid.UUID),
	}
}

func objectKey(groupKey, objectID string) string {
	return groupKey + "/" + objectID
}

func policyOf(cfg GroupConfig) BetPolicy {
	return BetPolicy{MinIncrement: cfg.MinIncrement, BetStep: cfg.BetStep}
}

// Create 持久化新的標的並註冊它的狀態機
// 同一群組的同一物件只能有一個標的
func (r *Registry) Create(ctx context.Context, lot models.Lot, cfg GroupConfig, record models.History) (*LotMachine, error) {
	const op = "engine.Registry.Create"
	m, err := newLotMachine(LotRecord{Lot: lot}, policyOf(cfg), r.store, r.recorder, r.logger)
	if err != nil {
		return nil, err
	}

	// 先保留物件，避免同時建立相同物件的標的
	key := objectKey(lot.GroupKey, lot.ObjectID)
	r.mu.Lock()
	if _, exists := r.objects[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLot, key)
	}
	r.objects[key] = lot.ID
	r.mu.Unlock()

	err = r.store.SaveLotTransition(ctx, Transition{Lot: lot, Record: &record})
	if err != nil {
		r.mu.Lock()
		delete(r.objects, key)
		r.mu.Unlock()
		if errors.Is(err, ErrDuplicateLot) {
			return nil, err
		}
		return nil, persistenceError(lot.ID, op, err)
	}

	r.recorder.Commit(record)
	r.mu.Lock()
	r.lots[lot.ID] = m
	r.mu.Unlock()
	r.logger.Info("Lot created", slog.String("lotID", lot.ID.String()), slog.String("object", key))
	return m, nil
}

// GetOrCreate 取得標的的狀態機，不在記憶體中時從持久化層重建
func (r *Registry) GetOrCreate(ctx context.Context, lotID uuid.UUID) (*LotMachine, error) {
	if m, ok := r.resident(lotID); ok {
		return m, nil
	}
	v, err, _ := r.loads.Do(lotID.String(), func() (any, error) {
		if m, ok := r.resident(lotID); ok {
			return m, nil
		}
		return r.rehydrate(ctx, lotID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*LotMachine), nil
}

func (r *Registry) resident(lotID uuid.UUID) (*LotMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.lots[lotID]
	return m, ok
}

func (r *Registry) rehydrate(ctx context.Context, lotID uuid.UUID) (*LotMachine, error) {
	const op = "engine.Registry.rehydrate"
	rec, err := r.store.LoadLot(ctx, lotID)
	if err != nil {
		if errors.Is(err, ErrLotNotFound) {
			return nil, err
		}
		return nil, persistenceError(lotID, op, err)
	}
	cfg, err := r.groups.GroupConfig(ctx, rec.Lot.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("%s: lot=%s: %w", op, lotID, err)
	}
	m, err := newLotMachine(rec, policyOf(cfg), r.store, r.recorder, r.logger)
	if err != nil {
		return nil, err
	}
	// 歷史紀錄與狀態機在同一個臨界區內放入，Forget 不會只清掉其中一個
	r.mu.Lock()
	r.recorder.Load(lotID, rec.History)
	r.lots[lotID] = m
	r.objects[objectKey(rec.Lot.GroupKey, rec.Lot.ObjectID)] = lotID
	r.mu.Unlock()
	r.logger.Debug("Lot rehydrated", slog.String("lotID", lotID.String()), slog.Int("bets", len(rec.Bets)), slog.Int("history", len(rec.History)))
	return m, nil
}

// Forget 將已完成或已取消的標的移出記憶體
// 設定了封存時會先封存歷史紀錄，封存失敗時標的保留在記憶體中
func (r *Registry) Forget(ctx context.Context, lotID uuid.UUID) error {
	const op = "engine.Registry.Forget"
	m, ok := r.resident(lotID)
	if !ok {
		return nil
	}
	if state := m.State(); !state.Terminal() {
		return fmt.Errorf("%w: lot %s is %s", ErrLotActive, lotID, state)
	}
	if r.archiver != nil {
		if err := r.archiver.ArchiveHistory(ctx, lotID, r.recorder.Records(lotID)); err != nil {
			return persistenceError(lotID, op, err)
		}
	}

	r.remove(lotID, m)
	r.logger.Debug("Lot forgotten", slog.String("lotID", lotID.String()))
	return nil
}

// Evict 丟棄已經落後於持久化層的狀態機，下次存取時重新載入
// 記憶體中已經換成其他狀態機時不做任何事
func (r *Registry) Evict(lotID uuid.UUID, stale *LotMachine) {
	if r.remove(lotID, stale) {
		r.logger.Info("Stale lot evicted", slog.String("lotID", lotID.String()))
	}
}

func (r *Registry) remove(lotID uuid.UUID, m *LotMachine) bool {
	key := m.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.lots[lotID]; !ok || current != m {
		return false
	}
	delete(r.lots, lotID)
	if r.objects[key] == lotID {
		delete(r.objects, key)
	}
	r.recorder.Forget(lotID)
	return true
}

// Len 回傳記憶體中的標的數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lots)
}
