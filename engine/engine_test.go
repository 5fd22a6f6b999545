package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auction/models"
)

func actionsOf(records []models.History) []models.Action {
	return lo.Map(records, func(r models.History, _ int) models.Action { return r.Action })
}

func TestEngine_EndToEndThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupThreshold)
	a, b, c := bidder(), bidder(), bidder()

	_, err := f.engine.PlaceBet(ctx, lotID, a, 100, at(1))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, lotID, b, 150, at(2))
	require.NoError(t, err)
	winning, err := f.engine.PlaceBet(ctx, lotID, c, 250, at(3))
	require.NoError(t, err)
	assert.True(t, winning.Winner)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateBooked, state.State)

	// 成交後帳本凍結
	_, err = f.engine.PlaceBet(ctx, lotID, a, 400, at(4))
	assert.ErrorIs(t, err, ErrLotClosed)

	_, err = f.engine.Confirm(ctx, lotID, f.operator, json.RawMessage(`{"proof":"abc"}`), at(5))
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, lotID, f.operator, json.RawMessage(`{"act":1}`), at(6))
	require.NoError(t, err)

	state, err = f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateCompleted, state.State)
	require.NotNil(t, state.Winner)
	assert.Equal(t, c.UserID, state.Winner.UserID)
	assert.Len(t, state.Bets, 3)
	assert.Equal(t, []models.Action{
		models.ActionCreated,
		models.ActionBooked,
		models.ActionConfirmed,
		models.ActionCompleted,
	}, actionsOf(state.History))
	assert.JSONEq(t, `{"proof":"abc"}`, string(state.Lot.Confirm))
	assert.NotNil(t, state.Lot.BookedAt)
	assert.NotNil(t, state.Lot.ConfirmedAt)
	assert.NotNil(t, state.Lot.CompletedAt)
	assert.False(t, state.Lot.ManualBooked)

	booked := state.History[1]
	assert.Equal(t, "price_threshold", *booked.Rule)
	assert.Equal(t, int64(250), *booked.RulePrice)
	assert.Equal(t, int64(250), *booked.CurrentPrice)
	assert.Equal(t, c.UserID, *booked.CurrentPriceUserID)
	assert.Equal(t, winning.ID, *booked.BetID)

	// 終止狀態不允許任何轉移
	_, err = f.engine.Complete(ctx, lotID, f.operator, nil, at(7))
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = f.engine.Cancel(ctx, lotID, f.operator, at(7))
	assert.ErrorIs(t, err, ErrTerminalState)

	assert.Equal(t, []string{
		"created", EventBetPlaced, EventBetPlaced, EventBetPlaced, "booked", "confirmed", "completed",
	}, f.publisher.actions())
}

func TestEngine_ReplayMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name   string
		value  int64
		manual bool
		cancel bool
	}{
		{name: "auto booked and completed", value: 300},
		{name: "manually booked without winner", value: 120, manual: true},
		{name: "cancelled after confirmation", value: 250, cancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lotID := f.createLot(t, groupThreshold)
			_, err := f.engine.PlaceBet(ctx, lotID, bidder(), tt.value, at(1))
			require.NoError(t, err)
			if tt.manual {
				_, err = f.engine.ForceBook(ctx, lotID, f.operator, nil, at(10))
				require.NoError(t, err)
			}
			_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, at(11))
			require.NoError(t, err)
			if tt.cancel {
				_, err = f.engine.Cancel(ctx, lotID, f.operator, at(12))
			} else {
				_, err = f.engine.Complete(ctx, lotID, f.operator, nil, at(12))
			}
			require.NoError(t, err)

			live, err := f.engine.GetLotState(ctx, lotID)
			require.NoError(t, err)
			records, err := f.engine.Replay(ctx, lotID)
			require.NoError(t, err)
			replayed, err := Reconstruct(records)
			require.NoError(t, err)

			assert.Equal(t, live.State, replayed.State)
			assert.Equal(t, live.Lot.ManualBooked, replayed.ManualBooked)
			if live.Winner == nil {
				assert.Nil(t, replayed.WinnerBetID)
				assert.Nil(t, replayed.WinnerUserID)
				return
			}
			require.NotNil(t, replayed.WinnerBetID)
			assert.Equal(t, live.Winner.ID, *replayed.WinnerBetID)
			assert.Equal(t, live.Winner.UserID, *replayed.WinnerUserID)
			assert.Equal(t, live.Winner.Value, *replayed.Price)
		})
	}
}

func TestEngine_HighestBidResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupTimed)
	a, b, c := bidder(), bidder(), bidder()

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	require.NotNil(t, state.Lot.ClosesAt)
	assert.Equal(t, t0.Add(time.Hour), *state.Lot.ClosesAt)

	for i, bet := range []struct {
		actor Actor
		value int64
	}{{a, 100}, {b, 150}, {c, 150}} {
		_, err := f.engine.PlaceBet(ctx, lotID, bet.actor, bet.value, at(i+1))
		require.NoError(t, err)
	}

	_, err = f.engine.Resolve(ctx, lotID, f.operator, at(60))
	assert.ErrorIs(t, err, ErrInvalidTransition, "deadline not reached")

	// 截止時間之後的出價直接被拒絕，不會觸發成交
	deadline := t0.Add(time.Hour)
	_, err = f.engine.PlaceBet(ctx, lotID, a, 1000, deadline)
	assert.ErrorIs(t, err, ErrLotClosed)

	record, err := f.engine.Resolve(ctx, lotID, f.operator, deadline.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.ActionBooked, record.Action)
	assert.Equal(t, int64(150), *record.RulePrice)

	state, err = f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateBooked, state.State)
	require.NotNil(t, state.Winner)
	assert.Equal(t, b.UserID, state.Winner.UserID, "earliest of the tied highest bids wins")
}

func TestEngine_ResolveWithoutBets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupTimed)

	record, err := f.engine.Resolve(ctx, lotID, f.operator, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, record.BetID)
	assert.Nil(t, record.RulePrice)
	assert.Nil(t, record.CurrentPrice)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateBooked, state.State)
	assert.Nil(t, state.Winner)

	// 沒有截止時間的標的只能手動成交
	open := f.createLot(t, groupHighest)
	_, err = f.engine.Resolve(ctx, open, f.operator, t0.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_ConcurrentBetsAreLinearized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupHighest)

	const n = 64
	var wg sync.WaitGroup
	placed := make(chan models.Bet, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bet, err := f.engine.PlaceBet(ctx, lotID, bidder(), int64(100+i), at(1))
			assert.NoError(t, err)
			placed <- bet
		}(i)
	}
	wg.Wait()
	close(placed)

	seen := make(map[uuid.UUID]int64)
	for bet := range placed {
		seen[bet.ID] = bet.Seq
	}
	require.Len(t, seen, n)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	require.Len(t, state.Bets, n)
	for i, bet := range state.Bets {
		assert.Equal(t, int64(i+1), bet.Seq, "ledger order is the critical section entry order")
		assert.Equal(t, seen[bet.ID], bet.Seq)
	}
}

func TestEngine_ConcurrentLotsAndSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	lots := make([]uuid.UUID, 8)
	for i := range lots {
		lots[i] = f.createLot(t, groupThreshold)
	}

	var wg sync.WaitGroup
	for _, lotID := range lots {
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(lotID uuid.UUID, value int64) {
				defer wg.Done()
				_, err := f.engine.PlaceBet(ctx, lotID, bidder(), value, at(1))
				if err != nil {
					assert.ErrorIs(t, err, ErrLotClosed)
				}
			}(lotID, int64(150+i*10))
		}
	}
	wg.Wait()

	for _, lotID := range lots {
		state, err := f.engine.GetLotState(ctx, lotID)
		require.NoError(t, err)
		assert.Equal(t, models.LotStateBooked, state.State)
		winners := lo.CountBy(state.Bets, func(bet models.Bet) bool { return bet.Winner })
		assert.Equal(t, 1, winners)
		require.NotNil(t, state.Winner)
		assert.GreaterOrEqual(t, state.Winner.Value, int64(200))
		// 得標出價一定是帳本中最後一筆，之後的出價都被拒絕
		assert.Equal(t, state.Winner.ID, state.Bets[len(state.Bets)-1].ID)
	}
}

func TestEngine_ForceBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupSecond)
	a, b := bidder(), bidder()

	low, err := f.engine.PlaceBet(ctx, lotID, a, 100, at(1))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, lotID, b, 300, at(2))
	require.NoError(t, err)

	_, err = f.engine.ForceBook(ctx, lotID, a, &low.ID, at(3))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.ForceBook(ctx, lotID, f.operator, lo.ToPtr(uuid.New()), at(3))
	assert.ErrorIs(t, err, ErrBetNotFound)

	record, err := f.engine.ForceBook(ctx, lotID, f.operator, &low.ID, at(3))
	require.NoError(t, err)
	assert.True(t, record.ManualBooked)
	assert.Equal(t, f.operator.UserID, record.UserID)
	assert.Equal(t, low.ID, *record.BetID)
	assert.Equal(t, int64(100), *record.RulePrice)
	assert.Equal(t, "second_price", *record.Rule)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.True(t, state.Lot.ManualBooked)
	require.NotNil(t, state.Winner)
	assert.Equal(t, low.ID, state.Winner.ID)
	assert.Equal(t, 1, lo.CountBy(state.Bets, func(bet models.Bet) bool { return bet.Winner }))

	_, err = f.engine.ForceBook(ctx, lotID, f.operator, nil, at(4))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_TransitionErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 將標的推進到指定狀態
	reach := func(t *testing.T, state models.LotState) uuid.UUID {
		lotID := f.createLot(t, groupHighest)
		steps := map[models.LotState][]func() error{
			models.LotStateOpen:   nil,
			models.LotStateBooked: {func() error { _, err := f.engine.ForceBook(ctx, lotID, f.operator, nil, at(1)); return err }},
			models.LotStateConfirmed: {
				func() error { _, err := f.engine.ForceBook(ctx, lotID, f.operator, nil, at(1)); return err },
				func() error { _, err := f.engine.Confirm(ctx, lotID, f.operator, nil, at(2)); return err },
			},
			models.LotStateCompleted: {
				func() error { _, err := f.engine.ForceBook(ctx, lotID, f.operator, nil, at(1)); return err },
				func() error { _, err := f.engine.Confirm(ctx, lotID, f.operator, nil, at(2)); return err },
				func() error { _, err := f.engine.Complete(ctx, lotID, f.operator, nil, at(3)); return err },
			},
			models.LotStateCancelled: {func() error { _, err := f.engine.Cancel(ctx, lotID, f.operator, at(1)); return err }},
		}
		for _, step := range steps[state] {
			require.NoError(t, step())
		}
		return lotID
	}

	ops := map[string]func(lotID uuid.UUID) error{
		"place": func(lotID uuid.UUID) error {
			_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 100, at(9))
			return err
		},
		"book": func(lotID uuid.UUID) error {
			_, err := f.engine.ForceBook(ctx, lotID, f.operator, nil, at(9))
			return err
		},
		"confirm": func(lotID uuid.UUID) error {
			_, err := f.engine.Confirm(ctx, lotID, f.operator, nil, at(9))
			return err
		},
		"complete": func(lotID uuid.UUID) error {
			_, err := f.engine.Complete(ctx, lotID, f.operator, nil, at(9))
			return err
		},
		"cancel": func(lotID uuid.UUID) error {
			_, err := f.engine.Cancel(ctx, lotID, f.operator, at(9))
			return err
		},
	}

	tests := []struct {
		state models.LotState
		want  map[string]error
	}{
		{
			state: models.LotStateOpen,
			want:  map[string]error{"place": nil, "book": nil, "confirm": ErrNotBooked, "complete": ErrNotBooked, "cancel": nil},
		},
		{
			state: models.LotStateBooked,
			want:  map[string]error{"place": ErrLotClosed, "book": ErrInvalidTransition, "confirm": nil, "complete": ErrInvalidTransition, "cancel": nil},
		},
		{
			state: models.LotStateConfirmed,
			want:  map[string]error{"place": ErrLotClosed, "book": ErrInvalidTransition, "confirm": ErrInvalidTransition, "complete": nil, "cancel": nil},
		},
		{
			state: models.LotStateCompleted,
			want:  map[string]error{"place": ErrLotClosed, "book": ErrTerminalState, "confirm": ErrTerminalState, "complete": ErrTerminalState, "cancel": ErrTerminalState},
		},
		{
			state: models.LotStateCancelled,
			want:  map[string]error{"place": ErrLotClosed, "book": ErrLotCancelled, "confirm": ErrLotCancelled, "complete": ErrLotCancelled, "cancel": ErrLotCancelled},
		},
	}

	for _, tt := range tests {
		for name, want := range tt.want {
			t.Run(string(tt.state)+"/"+name, func(t *testing.T) {
				lotID := reach(t, tt.state)
				before := f.store.historyLen(lotID)
				err := ops[name](lotID)
				if want == nil {
					assert.NoError(t, err)
					return
				}
				assert.ErrorIs(t, err, want)
				state, stateErr := f.engine.GetLotState(ctx, lotID)
				require.NoError(t, stateErr)
				assert.Equal(t, tt.state, state.State, "failed transitions leave the state unchanged")
				assert.Equal(t, before, f.store.historyLen(lotID))
			})
		}
	}
}

func TestEngine_ConfirmTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupThreshold)

	_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 200, at(1))
	require.NoError(t, err)
	_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, at(2))
	require.NoError(t, err)
	_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, at(3))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	records, err := f.engine.Replay(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, []models.Action{models.ActionCreated, models.ActionBooked, models.ActionConfirmed}, actionsOf(records))
}

func TestEngine_PlaceBetOnCancelledLot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupHighest)

	_, err := f.engine.Cancel(ctx, lotID, f.operator, at(1))
	require.NoError(t, err)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	require.NotNil(t, state.Lot.DeletedAt)

	for _, value := range []int64{-10, 0, 100, 1 << 40} {
		_, err := f.engine.PlaceBet(ctx, lotID, bidder(), value, at(2))
		assert.ErrorIs(t, err, ErrLotClosed, "value %d", value)
	}
}

func TestEngine_BetValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupStepped)

	for _, value := range []int64{-1, 50, 120} {
		_, err := f.engine.PlaceBet(ctx, lotID, bidder(), value, at(1))
		assert.ErrorIs(t, err, ErrInvalidValue, "value %d", value)
	}
	_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 150, at(1))
	assert.NoError(t, err)

	_, err = f.engine.PlaceBet(ctx, lotID, Actor{UserID: uuid.New(), Blocked: true}, 200, at(1))
	assert.ErrorIs(t, err, ErrUserBlocked)
}

func TestEngine_RetractBet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupThreshold)
	a, b := bidder(), bidder()

	bet, err := f.engine.PlaceBet(ctx, lotID, a, 150, at(1))
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.RetractBet(ctx, lotID, bet.ID, b, at(2)), ErrForbidden)
	require.NoError(t, f.engine.RetractBet(ctx, lotID, bet.ID, a, at(2)))

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Empty(t, state.Bets)

	kept, err := f.engine.PlaceBet(ctx, lotID, a, 180, at(3))
	require.NoError(t, err)
	_, err = f.engine.PlaceBet(ctx, lotID, b, 220, at(4))
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.RetractBet(ctx, lotID, kept.ID, a, at(5)), ErrImmutableBet)

	cancelled := f.createLot(t, groupHighest)
	other, err := f.engine.PlaceBet(ctx, cancelled, a, 10, at(1))
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, cancelled, f.operator, at(2))
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.RetractBet(ctx, cancelled, other.ID, a, at(3)), ErrLotCancelled)
}

func TestEngine_PersistenceFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupThreshold)

	_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 100, at(1))
	require.NoError(t, err)

	// 觸發成交的出價寫入失敗時，帳本、狀態與歷史紀錄都不變
	f.store.fail(errStoreDown)
	winner := bidder()
	_, err = f.engine.PlaceBet(ctx, lotID, winner, 300, at(2))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, errStoreDown)

	state, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateOpen, state.State)
	assert.Len(t, state.Bets, 1)
	assert.Len(t, state.History, 1)
	assert.Nil(t, state.Winner)

	// 重試整個轉移
	bet, err := f.engine.PlaceBet(ctx, lotID, winner, 300, at(3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), bet.Seq)
	assert.True(t, bet.Winner)

	f.store.fail(errStoreDown)
	_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, at(4))
	assert.True(t, IsRetryable(err))
	state, err = f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateBooked, state.State)
	assert.Nil(t, state.Lot.ConfirmedAt)
}

func TestEngine_CreateLot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	spec := NewLot{GroupKey: groupHighest, ObjectID: "trip-42"}
	created, err := f.engine.CreateLot(ctx, f.operator, spec, t0)
	require.NoError(t, err)
	assert.Equal(t, models.LotStateOpen, created.State)
	assert.Nil(t, created.Lot.ClosesAt)
	assert.JSONEq(t, `{}`, string(created.Lot.Object))
	assert.JSONEq(t, `{"id":"highest_bid","version":1}`, string(created.Lot.Rules))
	require.Len(t, created.History, 1)
	assert.Equal(t, models.ActionCreated, created.History[0].Action)

	_, err = f.engine.CreateLot(ctx, f.operator, spec, t0)
	assert.ErrorIs(t, err, ErrDuplicateLot)

	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: groupBroken, ObjectID: "x"}, t0)
	assert.ErrorIs(t, err, ErrUnknownRule)

	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: "missing", ObjectID: "x"}, t0)
	assert.ErrorIs(t, err, ErrGroupNotFound)

	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: groupHighest}, t0)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: groupHighest, ObjectID: "y", Object: json.RawMessage(`{`)}, t0)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = f.engine.CreateLot(ctx, Actor{UserID: uuid.New(), Blocked: true}, NewLot{GroupKey: groupHighest, ObjectID: "z"}, t0)
	assert.ErrorIs(t, err, ErrUserBlocked)

	f.store.fail(errStoreDown)
	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: groupHighest, ObjectID: "later"}, t0)
	assert.True(t, IsRetryable(err))
	_, err = f.engine.CreateLot(ctx, f.operator, NewLot{GroupKey: groupHighest, ObjectID: "later"}, t0)
	assert.NoError(t, err, "a failed create releases the object reservation")
}

func TestEngine_ForgetAndRehydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupThreshold)

	_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 90, at(1))
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.Forget(ctx, lotID), ErrLotActive)

	_, err = f.engine.PlaceBet(ctx, lotID, bidder(), 210, at(2))
	require.NoError(t, err)
	_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, at(3))
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, lotID, f.operator, nil, at(4))
	require.NoError(t, err)

	live, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)

	f.archiver.err = errStoreDown
	assert.True(t, IsRetryable(f.engine.Forget(ctx, lotID)))
	assert.Equal(t, 1, f.engine.Registry().Len())

	f.archiver.err = nil
	require.NoError(t, f.engine.Forget(ctx, lotID))
	assert.Equal(t, 0, f.engine.Registry().Len())
	assert.Len(t, f.archiver.archived[lotID], 4)
	require.NoError(t, f.engine.Forget(ctx, lotID), "forgetting twice is a no-op")

	records, err := f.engine.Replay(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, live.History, records)

	rehydrated, err := f.engine.GetLotState(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, live.State, rehydrated.State)
	assert.Equal(t, live.Bets, rehydrated.Bets)
	assert.Equal(t, live.Winner, rehydrated.Winner)
	assert.Equal(t, live.History, rehydrated.History)

	_, err = f.engine.Cancel(ctx, lotID, f.operator, at(5))
	assert.ErrorIs(t, err, ErrTerminalState)

	_, err = f.engine.GetLotState(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestEngine_ConcurrentRehydration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupHighest)
	_, err := f.engine.Cancel(ctx, lotID, f.operator, at(1))
	require.NoError(t, err)
	require.NoError(t, f.engine.Forget(ctx, lotID))

	var wg sync.WaitGroup
	machines := make([]*LotMachine, 16)
	for i := range machines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := f.engine.Registry().GetOrCreate(ctx, lotID)
			assert.NoError(t, err)
			machines[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range machines {
		assert.Same(t, machines[0], m)
	}
	assert.Equal(t, models.LotStateCancelled, machines[0].State())
}

func TestEngine_PublishFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errStoreDown
	lotID := f.createLot(t, groupHighest)

	_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 10, at(1))
	assert.NoError(t, err)
	assert.Equal(t, []string{"created", EventBetPlaced}, f.publisher.actions())
}

func TestEngine_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner, winner, loser, stranger := bidder(), bidder(), bidder(), bidder()
	blocked := func(a Actor) Actor {
		a.Blocked = true
		return a
	}

	// 由 owner 建立標的，winner 的出價較高
	setup := func(t *testing.T, state models.LotState) uuid.UUID {
		t.Helper()
		snapshot, err := f.engine.CreateLot(ctx, owner, NewLot{GroupKey: groupTimed, ObjectID: uuid.NewString()}, t0)
		require.NoError(t, err)
		lotID := snapshot.Lot.ID
		_, err = f.engine.PlaceBet(ctx, lotID, loser, 100, at(1))
		require.NoError(t, err)
		_, err = f.engine.PlaceBet(ctx, lotID, winner, 200, at(2))
		require.NoError(t, err)
		if state == models.LotStateOpen {
			return lotID
		}
		_, err = f.engine.Resolve(ctx, lotID, f.operator, t0.Add(2*time.Hour))
		require.NoError(t, err)
		if state == models.LotStateConfirmed {
			_, err = f.engine.Confirm(ctx, lotID, f.operator, nil, t0.Add(3*time.Hour))
			require.NoError(t, err)
		}
		return lotID
	}

	late := t0.Add(4 * time.Hour)
	resolve := func(a Actor) func(uuid.UUID) error {
		return func(lotID uuid.UUID) error { _, err := f.engine.Resolve(ctx, lotID, a, late); return err }
	}
	cancel := func(a Actor) func(uuid.UUID) error {
		return func(lotID uuid.UUID) error { _, err := f.engine.Cancel(ctx, lotID, a, late); return err }
	}
	confirm := func(a Actor) func(uuid.UUID) error {
		return func(lotID uuid.UUID) error { _, err := f.engine.Confirm(ctx, lotID, a, nil, late); return err }
	}
	complete := func(a Actor) func(uuid.UUID) error {
		return func(lotID uuid.UUID) error { _, err := f.engine.Complete(ctx, lotID, a, nil, late); return err }
	}
	forceBook := func(a Actor) func(uuid.UUID) error {
		return func(lotID uuid.UUID) error { _, err := f.engine.ForceBook(ctx, lotID, a, nil, at(3)); return err }
	}

	tests := []struct {
		name  string
		state models.LotState
		call  func(lotID uuid.UUID) error
		want  error
	}{
		{"resolve by owner", models.LotStateOpen, resolve(owner), nil},
		{"resolve by operator", models.LotStateOpen, resolve(f.operator), nil},
		{"resolve by bidder", models.LotStateOpen, resolve(winner), ErrForbidden},
		{"resolve by blocked owner", models.LotStateOpen, resolve(blocked(owner)), ErrUserBlocked},
		{"cancel by owner", models.LotStateOpen, cancel(owner), nil},
		{"cancel by operator", models.LotStateBooked, cancel(f.operator), nil},
		{"cancel by stranger", models.LotStateOpen, cancel(stranger), ErrForbidden},
		{"cancel by winner", models.LotStateBooked, cancel(winner), ErrForbidden},
		{"cancel by blocked stranger", models.LotStateOpen, cancel(blocked(stranger)), ErrUserBlocked},
		{"confirm by winner", models.LotStateBooked, confirm(winner), nil},
		{"confirm by operator", models.LotStateBooked, confirm(f.operator), nil},
		{"confirm by owner", models.LotStateBooked, confirm(owner), ErrForbidden},
		{"confirm by loser", models.LotStateBooked, confirm(loser), ErrForbidden},
		{"confirm by blocked winner", models.LotStateBooked, confirm(blocked(winner)), ErrUserBlocked},
		{"complete by winner", models.LotStateConfirmed, complete(winner), nil},
		{"complete by owner", models.LotStateConfirmed, complete(owner), nil},
		{"complete by operator", models.LotStateConfirmed, complete(f.operator), nil},
		{"complete by stranger", models.LotStateConfirmed, complete(stranger), ErrForbidden},
		{"complete by blocked operator", models.LotStateConfirmed, complete(blocked(f.operator)), ErrUserBlocked},
		{"force book by owner", models.LotStateOpen, forceBook(owner), ErrForbidden},
		{"force book by blocked operator", models.LotStateOpen, forceBook(blocked(f.operator)), ErrUserBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lotID := setup(t, tt.state)
			before := f.store.historyLen(lotID)
			err := tt.call(lotID)
			if tt.want == nil {
				assert.NoError(t, err)
				assert.Equal(t, before+1, f.store.historyLen(lotID))
				return
			}
			assert.ErrorIs(t, err, tt.want)
			state, stateErr := f.engine.GetLotState(ctx, lotID)
			require.NoError(t, stateErr)
			assert.Equal(t, tt.state, state.State)
			assert.Equal(t, before, f.store.historyLen(lotID))
		})
	}

	t.Run("blocked bidder cannot retract", func(t *testing.T) {
		lotID := setup(t, models.LotStateOpen)
		state, err := f.engine.GetLotState(ctx, lotID)
		require.NoError(t, err)
		bet, ok := lo.Find(state.Bets, func(bet models.Bet) bool { return bet.UserID == loser.UserID })
		require.True(t, ok)
		assert.ErrorIs(t, f.engine.RetractBet(ctx, lotID, bet.ID, blocked(loser), at(3)), ErrUserBlocked)
	})
}

func TestEngine_StaleInstanceReloadsBeforeWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	peer := f.peer()

	t.Run("cancel on another instance closes the lot", func(t *testing.T) {
		lotID := f.createLot(t, groupHighest)
		_, err := peer.GetLotState(ctx, lotID)
		require.NoError(t, err)

		_, err = f.engine.Cancel(ctx, lotID, f.operator, at(1))
		require.NoError(t, err)
		_, err = peer.PlaceBet(ctx, lotID, bidder(), 100, at(2))
		assert.ErrorIs(t, err, ErrLotClosed)

		lot, bets := f.store.lot(lotID)
		assert.Equal(t, models.LotStateCancelled, lot.State)
		assert.NotNil(t, lot.DeletedAt)
		assert.Empty(t, bets)

		state, err := peer.GetLotState(ctx, lotID)
		require.NoError(t, err)
		assert.Equal(t, models.LotStateCancelled, state.State)
		records, err := peer.Replay(ctx, lotID)
		require.NoError(t, err)
		assert.Equal(t, []models.Action{models.ActionCreated, models.ActionCancelled}, actionsOf(records))
	})

	t.Run("bets on both instances keep one ledger", func(t *testing.T) {
		lotID := f.createLot(t, groupHighest)
		_, err := peer.GetLotState(ctx, lotID)
		require.NoError(t, err)

		_, err = f.engine.PlaceBet(ctx, lotID, bidder(), 100, at(1))
		require.NoError(t, err)
		second, err := peer.PlaceBet(ctx, lotID, bidder(), 150, at(2))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Seq)
		third, err := f.engine.PlaceBet(ctx, lotID, bidder(), 200, at(3))
		require.NoError(t, err)
		assert.Equal(t, int64(3), third.Seq)

		lot, bets := f.store.lot(lotID)
		assert.Equal(t, int64(3), lot.Version)
		assert.Equal(t, []int64{100, 150, 200}, lo.Map(bets, func(bet models.Bet, _ int) int64 { return bet.Value }))
	})

	t.Run("single conflict is retried once", func(t *testing.T) {
		lotID := f.createLot(t, groupHighest)
		f.store.fail(ErrLotConflict)
		_, err := f.engine.PlaceBet(ctx, lotID, bidder(), 100, at(1))
		require.NoError(t, err)
		_, bets := f.store.lot(lotID)
		assert.Len(t, bets, 1)
	})
}

func TestRegistry_Evict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lotID := f.createLot(t, groupHighest)
	registry := f.engine.Registry()

	m, err := registry.GetOrCreate(ctx, lotID)
	require.NoError(t, err)

	registry.Evict(lotID, &LotMachine{})
	assert.Equal(t, 1, registry.Len(), "another machine does not evict the resident one")

	registry.Evict(lotID, m)
	assert.Equal(t, 0, registry.Len())
	assert.False(t, f.engine.recorder.Resident(lotID), "history leaves memory with its machine")

	reloaded, err := registry.GetOrCreate(ctx, lotID)
	require.NoError(t, err)
	assert.NotSame(t, m, reloaded)
	assert.Len(t, reloaded.Snapshot().History, 1)
}
