package rule

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"auction/models"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrInvalidParams = errors.New("invalid rule parameters")
)

// ID 是規則的識別碼
type ID string

const (
	HighestBid     ID = "highest_bid"
	SecondPrice    ID = "second_price"
	PriceThreshold ID = "price_threshold"
)

// CurrentVersion 是目前支援的規則設定版本
const CurrentVersion = 1

// Config 是儲存在標的 rules 欄位中的規則設定
// Params 依照 ID 解析成對應的參數結構
type Config struct {
	ID      ID              `json:"id"`
	Version int             `json:"version,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Outcome 是規則評估的結果
// Winner 為 nil 代表沒有得標者，這是合法的結果
type Outcome struct {
	Winner             *models.Bet
	Price              *int64
	CurrentPrice       *int64
	CurrentPriceUserID *uuid.UUID
}

// HasWinner 判斷是否產生得標者
func (o Outcome) HasWinner() bool {
	return o.Winner != nil
}

// Rule 定義了得標規則的操作介面
// 所有實作都必須是純函式，不得修改傳入的出價
type Rule interface {
	// ID 回傳規則識別碼
	ID() ID
	// Evaluate 依照帳本順序評估出價，回傳得標者與成交價
	Evaluate(bets []models.Bet) Outcome
	// Triggered 判斷新進的出價是否滿足自動成交條件
	Triggered(bet models.Bet) bool
}

// Parse 將規則設定解析成對應的規則
func Parse(cfg Config) (Rule, error) {
	const op = "rule.Parse"
	if cfg.Version > CurrentVersion {
		return nil, fmt.Errorf("%s: %w: version %d of %q", op, ErrUnknownRule, cfg.Version, cfg.ID)
	}
	switch cfg.ID {
	case HighestBid, SecondPrice:
		return &highest{id: cfg.ID}, nil
	case PriceThreshold:
		var params ThresholdParams
		if err := decodeParams(cfg.Params, &params); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if params.TargetPrice <= 0 {
			return nil, fmt.Errorf("%s: %w: target_price must be positive", op, ErrInvalidParams)
		}
		return &threshold{params: params}, nil
	default:
		return nil, fmt.Errorf("%s: %w: %q", op, ErrUnknownRule, cfg.ID)
	}
}

// ParseJSON 解析儲存在資料庫中的規則設定
func ParseJSON(data []byte) (Rule, Config, error) {
	const op = "rule.ParseJSON"
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, cfg, fmt.Errorf("%s: %w: %v", op, ErrInvalidParams, err)
	}
	r, err := Parse(cfg)
	if err != nil {
		return nil, cfg, err
	}
	return r, cfg, nil
}

// Evaluate 解析規則設定並評估出價
func Evaluate(cfg Config, bets []models.Bet) (Outcome, error) {
	r, err := Parse(cfg)
	if err != nil {
		return Outcome{}, err
	}
	return r.Evaluate(bets), nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// currentPrice 找出最高出價，同價時取最早進入帳本的出價
func currentPrice(bets []models.Bet) (models.Bet, bool) {
	var top models.Bet
	found := false
	for _, bet := range bets {
		if !bet.Active() {
			continue
		}
		if !found || bet.Value > top.Value {
			top = bet
			found = true
		}
	}
	return top, found
}

// withCurrentPrice 填入結算當下的參考價格與出價者
// 有得標者時參考價格就是得標出價，否則取帳本中的最高出價
func withCurrentPrice(o Outcome, bets []models.Bet) Outcome {
	ref := o.Winner
	if ref == nil {
		top, ok := currentPrice(bets)
		if !ok {
			return o
		}
		ref = &top
	}
	value, userID := ref.Value, ref.UserID
	o.CurrentPrice = &value
	o.CurrentPriceUserID = &userID
	return o
}

// Reference 回傳指定得標者的結果，用於人工指定得標
// winner 為 nil 時參考價格取帳本中的最高出價
func Reference(winner *models.Bet, bets []models.Bet) Outcome {
	o := Outcome{}
	if winner != nil {
		w := *winner
		price := w.Value
		o.Winner = &w
		o.Price = &price
	}
	return withCurrentPrice(o, bets)
}
