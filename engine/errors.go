package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"auction/engine/rule"
)

// 業務規則錯誤，呼叫端不應重試
var (
	ErrInvalidValue      = errors.New("invalid bet value")
	ErrLotClosed         = errors.New("lot is closed for bets")
	ErrLotCancelled      = errors.New("lot is cancelled")
	ErrImmutableBet      = errors.New("bet can no longer be changed")
	ErrUnknownRule       = rule.ErrUnknownRule
	ErrNotBooked         = errors.New("lot is not booked")
	ErrTerminalState     = errors.New("lot is in a terminal state")
	ErrInvalidTransition = errors.New("invalid lot transition")

	ErrLotNotFound  = errors.New("lot not found")
	ErrBetNotFound  = errors.New("bet not found")
	ErrDuplicateLot = errors.New("lot already exists for object")
	ErrForbidden    = errors.New("operation not permitted for user")
	ErrUserBlocked  = errors.New("user is blocked")
	ErrLotActive    = errors.New("lot is still active")
	ErrLotConflict  = errors.New("lot was changed by another writer")
)

// PersistenceError 代表持久化失敗，是唯一可以重試的錯誤
// 轉移在持久化成功之前不會生效，呼叫端應重試整個轉移
type PersistenceError struct {
	LotID uuid.UUID
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed: lot=%s, op=%s, err=%v", e.LotID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Retryable 標示此錯誤可以重試
func (e *PersistenceError) Retryable() bool {
	return true
}

// IsRetryable 判斷錯誤是否為可重試的持久化錯誤
func IsRetryable(err error) bool {
	var pErr *PersistenceError
	return errors.As(err, &pErr)
}

func persistenceError(lotID uuid.UUID, op string, err error) error {
	return &PersistenceError{LotID: lotID, Op: op, Err: err}
}
