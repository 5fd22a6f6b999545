package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"

	"auction/engine"
	"auction/models"
)

// 群組設定 hash 的欄位
const (
	groupFieldRules        = "rules"
	groupFieldMinIncrement = "min_increment"
	groupFieldBetStep      = "bet_step"
	groupFieldDuration     = "duration"
)

// GroupStore 以 Redis hash 快取群組設定
// 快取不存在時向 fallback 讀取並寫回快取
type GroupStore struct {
	client  *redis.Client
	options GroupStoreOptions
}

// GroupStoreOptions 定義了 GroupStore 的配置選項
type GroupStoreOptions struct {
	Prefix   string
	TTL      time.Duration
	Fallback engine.GroupConfigProvider
}

type GroupStoreOption func(*GroupStoreOptions)

// WithGroupStorePrefix 設定 key 前綴
func WithGroupStorePrefix(prefix string) GroupStoreOption {
	return func(o *GroupStoreOptions) {
		o.Prefix = prefix
	}
}

// WithGroupStoreTTL 設定快取的存活時間，0 代表不過期
func WithGroupStoreTTL(ttl time.Duration) GroupStoreOption {
	return func(o *GroupStoreOptions) {
		o.TTL = ttl
	}
}

// WithGroupStoreFallback 設定快取不存在時的設定來源
func WithGroupStoreFallback(fallback engine.GroupConfigProvider) GroupStoreOption {
	return func(o *GroupStoreOptions) {
		o.Fallback = fallback
	}
}

// NewGroupStore 建立一個新的 GroupStore 實例
func NewGroupStore(client *redis.Client, opts ...GroupStoreOption) (*GroupStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	options := GroupStoreOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &GroupStore{
		client:  client,
		options: options,
	}, nil
}

func (s *GroupStore) key(groupKey string) string {
	return s.options.Prefix + "group:" + groupKey
}

// GroupConfig 讀取群組設定
func (s *GroupStore) GroupConfig(ctx context.Context, groupKey string) (engine.GroupConfig, error) {
	const op = "redis.GroupStore.GroupConfig"
	result, err := s.client.HGetAll(ctx, s.key(groupKey)).Result()
	if err != nil {
		return engine.GroupConfig{}, fmt.Errorf("%s: failed to get hash: %w", op, err)
	}

	// Redis 在 key 不存在時回傳空的 map
	if len(result) > 0 {
		group, err := parseGroup(groupKey, result)
		if err != nil {
			return engine.GroupConfig{}, fmt.Errorf("%s: %w", op, err)
		}
		return engine.GroupConfigFromModel(group)
	}
	if s.options.Fallback == nil {
		return engine.GroupConfig{}, fmt.Errorf("%s: %w: %s", op, engine.ErrGroupNotFound, groupKey)
	}

	cfg, err := s.options.Fallback.GroupConfig(ctx, groupKey)
	if err != nil {
		return engine.GroupConfig{}, err
	}
	group, err := groupFromConfig(cfg)
	if err != nil {
		return engine.GroupConfig{}, fmt.Errorf("%s: %w", op, err)
	}
	group.Key = groupKey
	if err := s.SaveGroup(ctx, group); err != nil {
		return engine.GroupConfig{}, err
	}
	return cfg, nil
}

// saveScript 以原子操作覆寫 hash 並設定存活時間
// ARGV[1] 為存活秒數，其餘為欄位與值
var saveScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
redis.call('DEL', key)
if #ARGV > 1 then
    redis.call('HSET', key, unpack(ARGV, 2))
end
if ttl > 0 then
    redis.call('EXPIRE', key, ttl)
end
return 1
`)

// SaveGroup 將群組設定寫入快取
// NOTE: 會先刪除舊的資料，再設定新的資料，這個過程是原子性的
func (s *GroupStore) SaveGroup(ctx context.Context, group models.Group) error {
	const op = "redis.GroupStore.SaveGroup"
	args := []any{
		int64(s.options.TTL / time.Second),
		groupFieldRules, string(group.Rules),
		groupFieldMinIncrement, strconv.FormatInt(group.MinIncrement, 10),
		groupFieldBetStep, strconv.FormatInt(group.BetStep, 10),
		groupFieldDuration, strconv.FormatInt(group.Duration, 10),
	}
	if err := saveScript.Run(ctx, s.client, []string{s.key(group.Key)}, args...).Err(); err != nil {
		return fmt.Errorf("%s: failed to execute save script: %w", op, err)
	}
	return nil
}

// Invalidate 移除群組設定的快取
func (s *GroupStore) Invalidate(ctx context.Context, groupKey string) error {
	const op = "redis.GroupStore.Invalidate"
	if err := s.client.Del(ctx, s.key(groupKey)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

var errInvalidGroupHash = errors.New("invalid group hash")

func parseGroup(groupKey string, fields map[string]string) (models.Group, error) {
	group := models.Group{Key: groupKey}
	rules, ok := fields[groupFieldRules]
	if !ok {
		return models.Group{}, fmt.Errorf("%w: missing %s", errInvalidGroupHash, groupFieldRules)
	}
	group.Rules = datatypes.JSON(rules)

	ints := map[string]*int64{
		groupFieldMinIncrement: &group.MinIncrement,
		groupFieldBetStep:      &group.BetStep,
		groupFieldDuration:     &group.Duration,
	}
	for field, dst := range ints {
		raw, ok := fields[field]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.Group{}, fmt.Errorf("%w: %s=%q", errInvalidGroupHash, field, raw)
		}
		*dst = v
	}
	return group, nil
}

func groupFromConfig(cfg engine.GroupConfig) (models.Group, error) {
	rules, err := json.Marshal(cfg.Rule)
	if err != nil {
		return models.Group{}, err
	}
	return models.Group{
		Key:          cfg.Key,
		Rules:        rules,
		MinIncrement: cfg.MinIncrement,
		BetStep:      cfg.BetStep,
		Duration:     int64(cfg.Duration / time.Second),
	}, nil
}
