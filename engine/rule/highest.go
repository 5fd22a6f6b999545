package rule

import (
	"sort"

	"github.com/samber/lo"

	"auction/models"
)

// highest 是最高價得標規則
// SecondPrice 變體以第二高的相異出價作為成交價，只有一種出價金額時以得標價成交
type highest struct {
	id ID
}

func (r *highest) ID() ID {
	return r.id
}

func (r *highest) Triggered(models.Bet) bool {
	return false
}

func (r *highest) Evaluate(bets []models.Bet) Outcome {
	top, ok := currentPrice(bets)
	if !ok {
		return Outcome{}
	}
	winner := top
	price := winner.Value
	if r.id == SecondPrice {
		values := lo.Uniq(lo.FilterMap(bets, func(bet models.Bet, _ int) (int64, bool) {
			return bet.Value, bet.Active()
		}))
		sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })
		if len(values) > 1 {
			price = values[1]
		}
	}
	return withCurrentPrice(Outcome{Winner: &winner, Price: &price}, bets)
}
