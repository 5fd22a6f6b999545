package api

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"auction/adapters/sse"
	"auction/engine"
	"auction/models"
)

// LotEngine 是 Handler 需要的引擎操作，*engine.Engine 即為一種實作
type LotEngine interface {
	CreateLot(ctx context.Context, actor engine.Actor, spec engine.NewLot, now time.Time) (engine.LotSnapshot, error)
	PlaceBet(ctx context.Context, lotID uuid.UUID, actor engine.Actor, value int64, now time.Time) (models.Bet, error)
	RetractBet(ctx context.Context, lotID, betID uuid.UUID, actor engine.Actor, now time.Time) error
	ForceBook(ctx context.Context, lotID uuid.UUID, operator engine.Actor, winningBetID *uuid.UUID, now time.Time) (models.History, error)
	Resolve(ctx context.Context, lotID uuid.UUID, actor engine.Actor, now time.Time) (models.History, error)
	Confirm(ctx context.Context, lotID uuid.UUID, actor engine.Actor, payload json.RawMessage, now time.Time) (models.History, error)
	Complete(ctx context.Context, lotID uuid.UUID, actor engine.Actor, payload json.RawMessage, now time.Time) (models.History, error)
	Cancel(ctx context.Context, lotID uuid.UUID, actor engine.Actor, now time.Time) (models.History, error)
	GetLotState(ctx context.Context, lotID uuid.UUID) (engine.LotSnapshot, error)
	Replay(ctx context.Context, lotID uuid.UUID) ([]models.History, error)
	Forget(ctx context.Context, lotID uuid.UUID) error
}

var _ LotEngine = (*engine.Engine)(nil)

type handlerOptions struct {
	logger       *slog.Logger
	signer       crypto.Signer
	users        UserDirectory
	events       sse.IConnectionManager[engine.LotEvent]
	clock        func() time.Time
	maxBodyBytes int64
	keepAlive    time.Duration
}

type HandlerOption func(*handlerOptions)

// WithHandlerLogger 設定日誌記錄器
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithUsers 設定使用者資料來源，用於取得角色與封鎖狀態
func WithUsers(users UserDirectory) HandlerOption {
	return func(o *handlerOptions) {
		o.users = users
	}
}

// WithEvents 設定標的事件的 SSE 連線管理器，未設定時不提供事件串流
func WithEvents(events sse.IConnectionManager[engine.LotEvent]) HandlerOption {
	return func(o *handlerOptions) {
		o.events = events
	}
}

// WithClock 設定取得目前時間的方式
func WithClock(clock func() time.Time) HandlerOption {
	return func(o *handlerOptions) {
		o.clock = clock
	}
}

// WithMaxBodyBytes 設定請求內容的大小上限
func WithMaxBodyBytes(size int64) HandlerOption {
	return func(o *handlerOptions) {
		o.maxBodyBytes = size
	}
}

// WithKeepAlive 設定 SSE 沒有事件時送出空行的間隔
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		o.keepAlive = d
	}
}

// Handler 將引擎的操作以 JSON over HTTP 提供
type Handler struct {
	lots    LotEngine
	logger  *slog.Logger
	options handlerOptions
}

var ErrNilSigner = errors.New("signer cannot be nil")

func NewHandler(lots LotEngine, signer crypto.Signer, opts ...HandlerOption) (*Handler, error) {
	const op = "NewHandler"
	if signer == nil {
		return nil, fmt.Errorf("[%s] Fail to create handler, err=%w", op, ErrNilSigner)
	}
	options := handlerOptions{
		logger:       slog.Default(),
		signer:       signer,
		clock:        time.Now,
		maxBodyBytes: 1 << 20,
		keepAlive:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Handler{
		lots:    lots,
		logger:  options.logger.With(slog.String("caller", "Handler")),
		options: options,
	}, nil
}

// Register 註冊所有路由
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	lots := router.Group("/lots", h.AuthMiddleware())
	lots.POST("", h.CreateLot)
	lots.GET("/:lotID", h.GetLotState)
	lots.GET("/:lotID/history", h.Replay)
	lots.DELETE("/:lotID/cache", h.Forget)
	lots.POST("/:lotID/bets", h.PlaceBet)
	lots.DELETE("/:lotID/bets/:betID", h.RetractBet)
	lots.POST("/:lotID/book", h.ForceBook)
	lots.POST("/:lotID/resolve", h.Resolve)
	lots.POST("/:lotID/confirm", h.Confirm)
	lots.POST("/:lotID/complete", h.Complete)
	lots.POST("/:lotID/cancel", h.Cancel)
	if h.options.events != nil {
		lots.GET("/:lotID/events", h.Events)
	}
}

// bindJSON 讀取有大小限制的請求內容，optional 為 true 時允許空的內容
func (h *Handler) bindJSON(c *gin.Context, dst any, optional bool) error {
	const op = "bindJSON"
	body := NewMaxSizeReader(c.Request.Body, h.options.maxBodyBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("[%s] Fail to read body, err=%w", op, err)
	}
	if len(data) == 0 && optional {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("[%s] Fail to decode body, err=%w: %v", op, engine.ErrInvalidValue, err)
	}
	return nil
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, engine.ErrLotNotFound)
	}
	return id, nil
}

// CreateLot 建立標的
// (POST /lots)
func (h *Handler) CreateLot(c *gin.Context) {
	const op = "CreateLot"
	var req createLotRequest
	if err := h.bindJSON(c, &req, false); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	spec := engine.NewLot{
		GroupKey: req.GroupKey,
		ObjectID: req.ObjectID,
		Object:   req.Object,
		ClosesAt: req.ClosesAt,
	}
	if req.ID != nil {
		spec.ID = *req.ID
	}
	snapshot, err := h.lots.CreateLot(c.Request.Context(), actorFrom(c), spec, h.options.clock())
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.Header("Location", "/lots/"+snapshot.Lot.ID.String())
	c.JSON(http.StatusCreated, newLotResponse(snapshot))
}

// GetLotState 取得標的目前的狀態
// (GET /lots/{lotID})
func (h *Handler) GetLotState(c *gin.Context) {
	const op = "GetLotState"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	snapshot, err := h.lots.GetLotState(c.Request.Context(), lotID)
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newLotResponse(snapshot))
}

// Replay 依轉移順序取得標的的稽核紀錄
// (GET /lots/{lotID}/history)
func (h *Handler) Replay(c *gin.Context) {
	const op = "Replay"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	records, err := h.lots.Replay(c.Request.Context(), lotID)
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newHistoryResponses(records))
}

// Forget 將已結束的標的移出記憶體，只有營運人員可以操作
// (DELETE /lots/{lotID}/cache)
func (h *Handler) Forget(c *gin.Context) {
	const op = "Forget"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	if actor := actorFrom(c); !actor.IsOperator() || actor.Blocked {
		h.abortWithError(c, op, fmt.Errorf("%w: %s", engine.ErrForbidden, actor.UserID))
		return
	}
	if err := h.lots.Forget(c.Request.Context(), lotID); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PlaceBet 對標的出價
// (POST /lots/{lotID}/bets)
func (h *Handler) PlaceBet(c *gin.Context) {
	const op = "PlaceBet"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	var req placeBetRequest
	if err := h.bindJSON(c, &req, false); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	bet, err := h.lots.PlaceBet(c.Request.Context(), lotID, actorFrom(c), req.Value, h.options.clock())
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, newBetResponse(bet))
}

// RetractBet 撤回出價
// (DELETE /lots/{lotID}/bets/{betID})
func (h *Handler) RetractBet(c *gin.Context) {
	const op = "RetractBet"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	betID, err := uuid.Parse(c.Param("betID"))
	if err != nil {
		h.abortWithError(c, op, fmt.Errorf("invalid betID: %w", engine.ErrBetNotFound))
		return
	}
	if err := h.lots.RetractBet(c.Request.Context(), lotID, betID, actorFrom(c), h.options.clock()); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ForceBook 由營運人員強制成交，未指定出價時以沒有得標者成交
// (POST /lots/{lotID}/book)
func (h *Handler) ForceBook(c *gin.Context) {
	const op = "ForceBook"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	var req forceBookRequest
	if err := h.bindJSON(c, &req, true); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	h.respondRecord(c, op, func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error) {
		return h.lots.ForceBook(ctx, lotID, actor, req.BetID, now)
	})
}

// Resolve 在截止時間後依規則成交
// (POST /lots/{lotID}/resolve)
func (h *Handler) Resolve(c *gin.Context) {
	const op = "Resolve"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	h.respondRecord(c, op, func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error) {
		return h.lots.Resolve(ctx, lotID, actor, now)
	})
}

// Confirm 確認成交
// (POST /lots/{lotID}/confirm)
func (h *Handler) Confirm(c *gin.Context) {
	const op = "Confirm"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	var req payloadRequest
	if err := h.bindJSON(c, &req, true); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	h.respondRecord(c, op, func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error) {
		return h.lots.Confirm(ctx, lotID, actor, req.Payload, now)
	})
}

// Complete 完成交易
// (POST /lots/{lotID}/complete)
func (h *Handler) Complete(c *gin.Context) {
	const op = "Complete"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	var req payloadRequest
	if err := h.bindJSON(c, &req, true); err != nil {
		h.abortWithError(c, op, err)
		return
	}
	h.respondRecord(c, op, func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error) {
		return h.lots.Complete(ctx, lotID, actor, req.Payload, now)
	})
}

// Cancel 取消標的
// (POST /lots/{lotID}/cancel)
func (h *Handler) Cancel(c *gin.Context) {
	const op = "Cancel"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	h.respondRecord(c, op, func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error) {
		return h.lots.Cancel(ctx, lotID, actor, now)
	})
}

func (h *Handler) respondRecord(c *gin.Context, op string, fn func(ctx context.Context, actor engine.Actor, now time.Time) (models.History, error)) {
	record, err := fn(c.Request.Context(), actorFrom(c), h.options.clock())
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newHistoryResponse(record))
}

// Events 以 SSE 推送標的的事件，連線建立時先送出目前的狀態
// (GET /lots/{lotID}/events)
func (h *Handler) Events(c *gin.Context) {
	const op = "Events"
	lotID, err := uuidParam(c, "lotID")
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	snapshot, err := h.lots.GetLotState(c.Request.Context(), lotID)
	if err != nil {
		h.abortWithError(c, op, err)
		return
	}
	channel := lotID.String()
	ch, err := h.options.events.Subscribe(channel)
	if err != nil {
		h.abortWithError(c, op, fmt.Errorf("[%s] Fail to subscribe to lot events, err=%w", op, err))
		return
	}
	defer h.options.events.Unsubscribe(channel, ch)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	c.SSEvent("state", newLotResponse(snapshot))
	w.Flush()

	keepAlive := time.NewTicker(h.options.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(event.Action, event)
			w.Flush()
		// 沒有事件時定期發送空行，確保瀏覽器和代理不會斷開連線
		case <-keepAlive.C:
			if _, err := w.WriteString("\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}
