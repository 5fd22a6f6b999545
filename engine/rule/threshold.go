package rule

import (
	"auction/models"
)

// ThresholdParams 是門檻價規則的參數
type ThresholdParams struct {
	TargetPrice int64 `json:"target_price"`
}

// threshold 是門檻價規則，最早達到目標價的出價得標，並以該出價成交
type threshold struct {
	params ThresholdParams
}

func (r *threshold) ID() ID {
	return PriceThreshold
}

func (r *threshold) Triggered(bet models.Bet) bool {
	return bet.Active() && bet.Value >= r.params.TargetPrice
}

func (r *threshold) Evaluate(bets []models.Bet) Outcome {
	for _, bet := range bets {
		if !r.Triggered(bet) {
			continue
		}
		winner := bet
		price := winner.Value
		return withCurrentPrice(Outcome{Winner: &winner, Price: &price}, bets)
	}
	return withCurrentPrice(Outcome{}, bets)
}
