// Package payout implements the pooled-stake payout formula for binary
// markets.
//
// When a market resolves, the losing pool is redistributed to the winning
// side in proportion to stake, after a platform fee:
//
//	feeRate       = 0                 if winPool+losePool < Threshold
//	              = Rate              otherwise
//	houseCut      = losePool × feeRate
//	distributable = losePool − houseCut
//	payout        = stake + stake / winPool × distributable
//
// Part of the house cut may be routed to the market's creator as a royalty.
//
// The package is pure: settlement credits balances with exactly the numbers
// computed here, and bet history projects outcomes with the same functions,
// so the two agree. Every amount is truncated to model.AmountScale places,
// never rounded up, so credits cannot exceed the pool.
package payout

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

var (
	// ErrInvalidRate is returned when a fee rate lies outside [0, 1].
	ErrInvalidRate = errors.New("payout: fee rate must be between 0 and 1")

	// ErrInvalidThreshold is returned for a negative fee threshold.
	ErrInvalidThreshold = errors.New("payout: fee threshold must not be negative")

	// DefaultThreshold is the total pool below which no fee is charged.
	DefaultThreshold = decimal.NewFromInt(1000)

	// DefaultRate is the platform fee charged on the losing pool.
	DefaultRate = decimal.RequireFromString("0.05")

	// DefaultCreatorRate is the share of the losing pool (0.5 percentage
	// points) routed from the house cut to the market creator.
	DefaultCreatorRate = decimal.RequireFromString("0.005")
)

// FeeSchedule describes how much of a losing pool the platform keeps.
type FeeSchedule struct {
	// Threshold is the total pool below which the fee is waived.
	Threshold decimal.Decimal `yaml:"threshold"`

	// Rate is the fraction of the losing pool taken as house cut.
	Rate decimal.Decimal `yaml:"rate"`

	// CreatorRate is the fraction of the losing pool paid to the market's
	// creator out of the house cut. Zero disables the royalty.
	CreatorRate decimal.Decimal `yaml:"creator_rate"`
}

// DefaultFeeSchedule returns the production schedule: no fee below 1000,
// 5% of the losing pool otherwise, 0.5 pp of it to the creator.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Threshold:   DefaultThreshold,
		Rate:        DefaultRate,
		CreatorRate: DefaultCreatorRate,
	}
}

// Validate checks the schedule's rates and threshold.
func (f FeeSchedule) Validate() error {
	one := decimal.NewFromInt(1)
	if f.Rate.IsNegative() || f.Rate.GreaterThan(one) {
		return ErrInvalidRate
	}
	if f.CreatorRate.IsNegative() || f.CreatorRate.GreaterThan(one) {
		return ErrInvalidRate
	}
	if f.Threshold.IsNegative() {
		return ErrInvalidThreshold
	}
	return nil
}

// RateFor returns the fee rate applied to a market whose pools total total.
func (f FeeSchedule) RateFor(total decimal.Decimal) decimal.Decimal {
	if total.LessThan(f.Threshold) {
		return decimal.Zero
	}
	return f.Rate
}

// Split is the division of a resolved market's pools.
type Split struct {
	Winner        model.Option    `json:"winner"`
	WinPool       decimal.Decimal `json:"win_pool"`
	LosePool      decimal.Decimal `json:"lose_pool"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	CreatorRate   decimal.Decimal `json:"creator_rate"`
	HouseCut      decimal.Decimal `json:"house_cut"`   // total fee, creator royalty included
	CreatorCut    decimal.Decimal `json:"creator_cut"` // part of HouseCut paid to the creator
	HouseShare    decimal.Decimal `json:"house_share"` // HouseCut − CreatorCut
	Distributable decimal.Decimal `json:"distributable"`
}

// Split divides m's pools for winner. Callers must route markets with an
// empty pool to the refund path instead; Split on such a market yields a zero
// WinPool and Payout degenerates to returning the stake.
func (f FeeSchedule) Split(m *model.Market, winner model.Option) Split {
	return SplitAt(m, winner, f.Settle(m))
}

// Settle returns the rates f charges on m at its current size.
func (f FeeSchedule) Settle(m *model.Market) model.SettledFees {
	rate := f.RateFor(m.TotalPool())
	creatorRate := decimal.Zero
	if m.CreatorEmail != "" && rate.IsPositive() && f.CreatorRate.IsPositive() {
		creatorRate = decimal.Min(f.CreatorRate, rate)
	}
	return model.SettledFees{Rate: rate, CreatorRate: creatorRate}
}

// SplitAt divides m's pools for winner at fixed rates.
func SplitAt(m *model.Market, winner model.Option, fees model.SettledFees) Split {
	win := m.Pool(winner)
	lose := m.Pool(winner.Other())

	houseCut := truncate(lose.Mul(fees.Rate))
	creatorCut := truncate(lose.Mul(fees.CreatorRate))

	return Split{
		Winner:        winner,
		WinPool:       win,
		LosePool:      lose,
		FeeRate:       fees.Rate,
		CreatorRate:   fees.CreatorRate,
		HouseCut:      houseCut,
		CreatorCut:    creatorCut,
		HouseShare:    houseCut.Sub(creatorCut),
		Distributable: lose.Sub(houseCut),
	}
}

// Payout returns what a winning bet of stake receives: the stake back plus
// its pro-rata share of the distributable profit, truncated to
// model.AmountScale places.
func (s Split) Payout(stake decimal.Decimal) decimal.Decimal {
	if !s.WinPool.IsPositive() {
		return stake
	}
	share, _ := stake.Mul(s.Distributable).QuoRem(s.WinPool, model.AmountScale)
	return stake.Add(share)
}

// Refundable reports whether m must be settled by refunding every stake:
// with one side empty there is nothing to redistribute.
func Refundable(m *model.Market) bool {
	return m.PoolA.IsZero() || m.PoolB.IsZero()
}

// Projection is the derived outcome of one bet.
type Projection struct {
	Status model.BetStatus `json:"status"`
	Payout decimal.Decimal `json:"payout"`
}

// Project derives bet's status and payout from its market. Pending bets have
// a zero payout, lost bets zero, refunded bets their stake and won bets the
// amount settlement credited, recomputed at the rates stored on the market.
func Project(bet *model.Bet, m *model.Market) Projection {
	if m.Resolution == model.ResolvedRefunded {
		return Projection{Status: model.BetRefunded, Payout: bet.Stake}
	}

	winner, ok := m.Resolution.Winner()
	if !ok {
		return Projection{Status: model.BetPending, Payout: decimal.Zero}
	}
	if bet.Option != winner {
		return Projection{Status: model.BetLost, Payout: decimal.Zero}
	}
	return Projection{Status: model.BetWon, Payout: SplitAt(m, winner, m.Settled).Payout(bet.Stake)}
}

// Potential returns what bet would receive if its option won with m's pools
// as they stand.
func Potential(bet *model.Bet, m *model.Market, f FeeSchedule) decimal.Decimal {
	if Refundable(m) {
		return bet.Stake
	}
	return f.Split(m, bet.Option).Payout(bet.Stake)
}

func truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(model.AmountScale)
}
