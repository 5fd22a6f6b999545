package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"auction/engine"
	"auction/models"
)

var (
	ErrNilDB        = errors.New("gorm db cannot be nil")
	ErrUserNotFound = errors.New("user not found")
)

// 轉移時會改變的標的欄位，其餘欄位建立後不可變更
var lotMutableColumns = []string{
	"state",
	"object",
	"closes_at",
	"booked_at",
	"confirmed_at",
	"completed_at",
	"deleted_at",
	"manual_booked",
	"confirm",
	"complete",
	"version",
	"updated_at",
}

type storeOptions struct {
	logger *slog.Logger
}

type StoreOption func(*storeOptions)

// WithStoreLogger 設置日誌記錄器
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// Store 是以 gorm 實作的持久化協作者
// 同時提供標的、出價、歷史紀錄、群組設定與使用者的存取
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore 建立一個新的 Store 實例
// db 應該以 TranslateError 開啟，重複鍵才能對應到 ErrDuplicateLot
func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	options := storeOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		db:     db,
		logger: options.logger.With(slog.String("caller", "Store")),
	}, nil
}

// Migrate 建立或更新所有資料表
func (s *Store) Migrate(ctx context.Context) error {
	const op = "store.Store.Migrate"
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Models 回傳所有需要建立資料表的模型
func Models() []any {
	return []any{
		&models.Lot{},
		&models.Bet{},
		&models.History{},
		&models.Group{},
		&models.User{},
	}
}

// LoadLot 載入標的與它的所有出價和歷史紀錄
func (s *Store) LoadLot(ctx context.Context, lotID uuid.UUID) (engine.LotRecord, error) {
	const op = "store.Store.LoadLot"
	db := s.db.WithContext(ctx)

	var rec engine.LotRecord
	if err := db.Where("id = ?", lotID).First(&rec.Lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.LotRecord{}, fmt.Errorf("%s: %w: %s", op, engine.ErrLotNotFound, lotID)
		}
		return engine.LotRecord{}, fmt.Errorf("%s: fail to find lot: %w", op, err)
	}
	if err := db.Where("lot_id = ?", lotID).Order("seq").Find(&rec.Bets).Error; err != nil {
		return engine.LotRecord{}, fmt.Errorf("%s: fail to find bets: %w", op, err)
	}
	if err := db.Where("lot_id = ?", lotID).Order("seq").Find(&rec.History).Error; err != nil {
		return engine.LotRecord{}, fmt.Errorf("%s: fail to find history: %w", op, err)
	}
	return rec, nil
}

// SaveLotTransition 在同一個交易中寫入標的、出價與歷史紀錄
// 既有標的只有在資料庫中的版本等於 t.Lot.Version-1 時才會寫入，否則回傳 ErrLotConflict
func (s *Store) SaveLotTransition(ctx context.Context, t engine.Transition) error {
	const op = "store.Store.SaveLotTransition"
	creating := t.Record != nil && t.Record.Action == models.ActionCreated

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if creating {
			if err := tx.Create(&t.Lot).Error; err != nil {
				return err
			}
		} else {
			result := tx.Model(&models.Lot{}).
				Where("id = ? AND version = ?", t.Lot.ID, t.Lot.Version-1).
				Select(lotMutableColumns).
				Updates(&t.Lot)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return s.missingOrStale(tx, t.Lot)
			}
		}
		// 出價只會新增，已存在的出價只更新得標與撤回欄位
		if len(t.Bets) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"winner", "deleted_at"}),
			}).Create(&t.Bets).Error
			if err != nil {
				return err
			}
		}
		if t.Record != nil {
			if err := tx.Create(t.Record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if creating && errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%s: %w: %s/%s", op, engine.ErrDuplicateLot, t.Lot.GroupKey, t.Lot.ObjectID)
		}
		return fmt.Errorf("%s: lot=%s: %w", op, t.Lot.ID, err)
	}
	s.logger.Debug("Lot transition saved", slog.String("lotID", t.Lot.ID.String()), slog.String("state", string(t.Lot.State)), slog.Int("bets", len(t.Bets)))
	return nil
}

// missingOrStale 區分標的不存在與版本落後
func (s *Store) missingOrStale(tx *gorm.DB, lot models.Lot) error {
	var current models.Lot
	if err := tx.Select("id", "version").Where("id = ?", lot.ID).Take(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.ErrLotNotFound
		}
		return err
	}
	s.logger.Warn("Stale lot transition rejected", slog.String("lotID", lot.ID.String()), slog.Int64("version", lot.Version), slog.Int64("stored", current.Version))
	return fmt.Errorf("%w: lot %s is at version %d, transition expects %d", engine.ErrLotConflict, lot.ID, current.Version, lot.Version-1)
}

// AppendHistory 單獨附加一筆歷史紀錄
func (s *Store) AppendHistory(ctx context.Context, record models.History) error {
	const op = "store.Store.AppendHistory"
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("%s: lot=%s, seq=%d: %w", op, record.LotID, record.Seq, err)
	}
	return nil
}

// GroupConfig 從 groups 資料表讀取群組設定
func (s *Store) GroupConfig(ctx context.Context, groupKey string) (engine.GroupConfig, error) {
	const op = "store.Store.GroupConfig"
	var group models.Group
	if err := s.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: groupKey}).First(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return engine.GroupConfig{}, fmt.Errorf("%s: %w: %s", op, engine.ErrGroupNotFound, groupKey)
		}
		return engine.GroupConfig{}, fmt.Errorf("%s: fail to find group: %w", op, err)
	}
	return engine.GroupConfigFromModel(group)
}

// SaveGroup 新增或覆寫群組設定
func (s *Store) SaveGroup(ctx context.Context, group models.Group) error {
	const op = "store.Store.SaveGroup"
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"rules", "min_increment", "bet_step", "duration", "updated_at"}),
	}).Create(&group).Error
	if err != nil {
		return fmt.Errorf("%s: group=%s: %w", op, group.Key, err)
	}
	return nil
}

// User 讀取使用者資料
func (s *Store) User(ctx context.Context, userID uuid.UUID) (models.User, error) {
	const op = "store.Store.User"
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, fmt.Errorf("%s: %w: %s", op, ErrUserNotFound, userID)
		}
		return models.User{}, fmt.Errorf("%s: fail to find user: %w", op, err)
	}
	return user, nil
}

// SaveUser 建立使用者，已存在時更新角色與封鎖狀態
func (s *Store) SaveUser(ctx context.Context, user models.User) error {
	const op = "store.Store.SaveUser"
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "blocked", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return fmt.Errorf("%s: user=%s: %w", op, user.ID, err)
	}
	return nil
}
