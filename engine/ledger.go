package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"auction/models"
)

// BetPolicy 是群組對出價金額的限制
type BetPolicy struct {
	MinIncrement int64
	BetStep      int64
}

// Validate 檢查出價金額是否符合群組限制
func (p BetPolicy) Validate(value int64) error {
	if value < 0 {
		return fmt.Errorf("%w: value %d is negative", ErrInvalidValue, value)
	}
	if value < p.MinIncrement {
		return fmt.Errorf("%w: value %d is below minimum increment %d", ErrInvalidValue, value, p.MinIncrement)
	}
	if p.BetStep > 0 && value%p.BetStep != 0 {
		return fmt.Errorf("%w: value %d is not a multiple of bet step %d", ErrInvalidValue, value, p.BetStep)
	}
	return nil
}

// Ledger 是單一標的的出價帳本，只能附加
// Ledger 本身沒有鎖，所有操作由所屬的 LotMachine 串行化
type Ledger struct {
	bets   []models.Bet
	seq    int64
	frozen bool
}

// NewLedger 以已持久化的出價重建帳本
func NewLedger(bets []models.Bet, frozen bool) *Ledger {
	l := &Ledger{
		bets:   make([]models.Bet, len(bets)),
		frozen: frozen,
	}
	copy(l.bets, bets)
	for _, bet := range l.bets {
		if bet.Seq > l.seq {
			l.seq = bet.Seq
		}
	}
	return l
}

// Place 將出價附加到帳本並指定順序
func (l *Ledger) Place(bet models.Bet, policy BetPolicy) (models.Bet, error) {
	if l.frozen {
		return models.Bet{}, ErrLotClosed
	}
	if err := policy.Validate(bet.Value); err != nil {
		return models.Bet{}, err
	}
	l.seq++
	bet.Seq = l.seq
	bet.Winner = false
	bet.DeletedAt = nil
	l.bets = append(l.bets, bet)
	return bet, nil
}

// Retract 撤回使用者自己的出價
func (l *Ledger) Retract(betID, userID uuid.UUID, now time.Time) (models.Bet, error) {
	if l.frozen {
		return models.Bet{}, ErrImmutableBet
	}
	i := l.indexOf(betID)
	if i < 0 || !l.bets[i].Active() {
		return models.Bet{}, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	if l.bets[i].UserID != userID {
		return models.Bet{}, fmt.Errorf("%w: bet %s belongs to another user", ErrForbidden, betID)
	}
	at := now
	l.bets[i].DeletedAt = &at
	return l.bets[i], nil
}

// Freeze 凍結帳本，之後不能再出價或撤回
func (l *Ledger) Freeze() {
	l.frozen = true
}

// Frozen 判斷帳本是否已凍結
func (l *Ledger) Frozen() bool {
	return l.frozen
}

// MarkWinner 將指定出價標記為得標，其餘出價一律取消得標標記
func (l *Ledger) MarkWinner(betID uuid.UUID) (models.Bet, error) {
	i := l.indexOf(betID)
	if i < 0 || !l.bets[i].Active() {
		return models.Bet{}, fmt.Errorf("%w: %s", ErrBetNotFound, betID)
	}
	for j := range l.bets {
		l.bets[j].Winner = j == i
	}
	return l.bets[i], nil
}

// Active 回傳指定的有效出價
func (l *Ledger) Active(betID uuid.UUID) (models.Bet, bool) {
	i := l.indexOf(betID)
	if i < 0 || !l.bets[i].Active() {
		return models.Bet{}, false
	}
	return l.bets[i], true
}

// Winner 回傳得標的出價
func (l *Ledger) Winner() (models.Bet, bool) {
	for _, bet := range l.bets {
		if bet.Winner {
			return bet, true
		}
	}
	return models.Bet{}, false
}

// Snapshot 依帳本順序回傳所有有效出價的複本
func (l *Ledger) Snapshot() []models.Bet {
	snapshot := make([]models.Bet, 0, len(l.bets))
	for _, bet := range l.bets {
		if bet.Active() {
			snapshot = append(snapshot, bet)
		}
	}
	return snapshot
}

// All 回傳包含已撤回出價在內的所有出價複本
func (l *Ledger) All() []models.Bet {
	all := make([]models.Bet, len(l.bets))
	copy(all, l.bets)
	return all
}

// Len 回傳帳本中的出價數量
func (l *Ledger) Len() int {
	return len(l.bets)
}

// Clone 複製帳本，讓轉移可以在複本上進行
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		bets:   l.All(),
		seq:    l.seq,
		frozen: l.frozen,
	}
}

func (l *Ledger) indexOf(betID uuid.UUID) int {
	for i := range l.bets {
		if l.bets[i].ID == betID {
			return i
		}
	}
	return -1
}
