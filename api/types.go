package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"auction/engine"
	"auction/models"
)

type errorResponse struct {
	Message string `json:"message"`
}

type createLotRequest struct {
	ID       *uuid.UUID      `json:"id"`
	GroupKey string          `json:"group_key"`
	ObjectID string          `json:"object_id"`
	Object   json.RawMessage `json:"object"`
	ClosesAt *time.Time      `json:"closes_at"`
}

type placeBetRequest struct {
	Value int64 `json:"value"`
}

type forceBookRequest struct {
	BetID *uuid.UUID `json:"bet_id"`
}

type payloadRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type betResponse struct {
	ID        uuid.UUID  `json:"id"`
	LotID     uuid.UUID  `json:"lot_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Seq       int64      `json:"seq"`
	Value     int64      `json:"value"`
	Winner    bool       `json:"winner"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func newBetResponse(bet models.Bet) betResponse {
	return betResponse{
		ID:        bet.ID,
		LotID:     bet.LotID,
		UserID:    bet.UserID,
		Seq:       bet.Seq,
		Value:     bet.Value,
		Winner:    bet.Winner,
		CreatedAt: bet.CreatedAt,
		DeletedAt: bet.DeletedAt,
	}
}

type historyResponse struct {
	ID                 uuid.UUID     `json:"id"`
	LotID              uuid.UUID     `json:"lot_id"`
	Seq                int64         `json:"seq"`
	Action             models.Action `json:"action"`
	UserID             uuid.UUID     `json:"user_id"`
	Rule               *string       `json:"rule,omitempty"`
	RulePrice          *int64        `json:"rule_price,omitempty"`
	CurrentPrice       *int64        `json:"current_price,omitempty"`
	CurrentPriceUserID *uuid.UUID    `json:"current_price_user_id,omitempty"`
	BetID              *uuid.UUID    `json:"bet_id,omitempty"`
	ManualBooked       bool          `json:"manual_booked"`
	CreatedAt          time.Time     `json:"created_at"`
}

func newHistoryResponse(record models.History) historyResponse {
	return historyResponse{
		ID:                 record.ID,
		LotID:              record.LotID,
		Seq:                record.Seq,
		Action:             record.Action,
		UserID:             record.UserID,
		Rule:               record.Rule,
		RulePrice:          record.RulePrice,
		CurrentPrice:       record.CurrentPrice,
		CurrentPriceUserID: record.CurrentPriceUserID,
		BetID:              record.BetID,
		ManualBooked:       record.ManualBooked,
		CreatedAt:          record.CreatedAt,
	}
}

func newHistoryResponses(records []models.History) []historyResponse {
	return lo.Map(records, func(record models.History, _ int) historyResponse {
		return newHistoryResponse(record)
	})
}

type lotResponse struct {
	ID           uuid.UUID         `json:"id"`
	GroupKey     string            `json:"group_key"`
	ObjectID     string            `json:"object_id"`
	Object       json.RawMessage   `json:"object"`
	Rules        json.RawMessage   `json:"rules"`
	UserID       uuid.UUID         `json:"user_id"`
	State        models.LotState   `json:"state"`
	ClosesAt     *time.Time        `json:"closes_at,omitempty"`
	BookedAt     *time.Time        `json:"booked_at,omitempty"`
	ConfirmedAt  *time.Time        `json:"confirmed_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
	ManualBooked bool              `json:"manual_booked"`
	Confirm      json.RawMessage   `json:"confirm,omitempty"`
	Complete     json.RawMessage   `json:"complete,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Bets         []betResponse     `json:"bets"`
	Winner       *betResponse      `json:"winner,omitempty"`
	History      []historyResponse `json:"history"`
}

func newLotResponse(snapshot engine.LotSnapshot) lotResponse {
	lot := snapshot.Lot
	resp := lotResponse{
		ID:           lot.ID,
		GroupKey:     lot.GroupKey,
		ObjectID:     lot.ObjectID,
		Object:       rawJSON(lot.Object),
		Rules:        rawJSON(lot.Rules),
		UserID:       lot.UserID,
		State:        snapshot.State,
		ClosesAt:     lot.ClosesAt,
		BookedAt:     lot.BookedAt,
		ConfirmedAt:  lot.ConfirmedAt,
		CompletedAt:  lot.CompletedAt,
		DeletedAt:    lot.DeletedAt,
		ManualBooked: lot.ManualBooked,
		CreatedAt:    lot.CreatedAt,
		Confirm:      rawJSON(lot.Confirm),
		Complete:     rawJSON(lot.Complete),
		Bets:         lo.Map(snapshot.Bets, func(bet models.Bet, _ int) betResponse { return newBetResponse(bet) }),
		History:      newHistoryResponses(snapshot.History),
	}
	if snapshot.Winner != nil {
		resp.Winner = lo.ToPtr(newBetResponse(*snapshot.Winner))
	}
	return resp
}

// rawJSON 將空的 JSON 欄位視為不存在
func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
