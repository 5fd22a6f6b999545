package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"auction/engine"
	"auction/engine/rule"
)

// retryAfterSeconds 是持久化失敗時建議的重試間隔
const retryAfterSeconds = 1

var errStatus = []struct {
	err    error
	status int
}{
	{engine.ErrLotNotFound, http.StatusNotFound},
	{engine.ErrBetNotFound, http.StatusNotFound},
	{engine.ErrGroupNotFound, http.StatusUnprocessableEntity},
	{engine.ErrForbidden, http.StatusForbidden},
	{engine.ErrUserBlocked, http.StatusForbidden},
	{engine.ErrDuplicateLot, http.StatusConflict},
	{engine.ErrInvalidValue, http.StatusBadRequest},
	{rule.ErrUnknownRule, http.StatusUnprocessableEntity},
	{rule.ErrInvalidParams, http.StatusUnprocessableEntity},
	{engine.ErrLotClosed, http.StatusConflict},
	{engine.ErrLotCancelled, http.StatusGone},
	{engine.ErrImmutableBet, http.StatusConflict},
	{engine.ErrNotBooked, http.StatusConflict},
	{engine.ErrTerminalState, http.StatusConflict},
	{engine.ErrInvalidTransition, http.StatusConflict},
	{engine.ErrLotActive, http.StatusConflict},
	{engine.ErrLotConflict, http.StatusConflict},
}

// statusOf 將引擎的錯誤轉換為 HTTP 狀態碼
func statusOf(err error) int {
	if engine.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	var limitErr *ReachLimitError
	if errors.As(err, &limitErr) {
		return http.StatusRequestEntityTooLarge
	}
	for _, e := range errStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// abortWithError 回應錯誤，非預期的錯誤不會把內容回傳給呼叫者
func (h *Handler) abortWithError(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		h.logger.Warn("Retryable failure", slog.String("op", op), slog.Any("error", err))
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		message = "temporarily unavailable, retry the request"
	case status >= http.StatusInternalServerError:
		h.logger.Error("Unexpected failure", slog.String("op", op), slog.Any("error", err))
		message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, errorResponse{Message: message})
}
