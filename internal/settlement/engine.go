// Package settlement resolves markets and pays out their pools.
//
// A resolution runs as one store transaction: the market row is locked, the
// declared winner is normalized against the market's options, every stake
// recorded against the market is re-added and compared with the pool totals,
// and then either every stake is refunded (one side empty) or the losing pool
// is redistributed with the payout package's formula. Credits are summed per
// account and applied in ascending email order.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/outcome"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/store"
)

// DefaultHouseAccount receives the platform fee and rounding remainders.
const DefaultHouseAccount = "house@wager.local"

// Payout is the amount one bet received at settlement.
type Payout struct {
	BetID     string          `json:"bet_id"`
	UserEmail string          `json:"user_email"`
	Option    model.Option    `json:"option"`
	Stake     decimal.Decimal `json:"stake"`
	Amount    decimal.Decimal `json:"amount"`
}

// Result summarizes a completed settlement.
type Result struct {
	MarketID      string           `json:"market_id"`
	Question      string           `json:"question"`
	Resolution    model.Resolution `json:"resolution"`
	WinnerLabel   string           `json:"winner_label,omitempty"`
	Refunded      bool             `json:"refunded"`
	PoolA         decimal.Decimal  `json:"pool_a"`
	PoolB         decimal.Decimal  `json:"pool_b"`
	FeeRate       decimal.Decimal  `json:"fee_rate"`
	CreatorRate   decimal.Decimal  `json:"creator_rate"`
	HouseCut      decimal.Decimal  `json:"house_cut"`
	CreatorCut    decimal.Decimal  `json:"creator_cut"`
	HouseShare    decimal.Decimal  `json:"house_share"`
	Distributable decimal.Decimal  `json:"distributable"`
	Remainder     decimal.Decimal  `json:"remainder"`
	HouseAccount  string           `json:"house_account"`
	CreatorEmail  string           `json:"creator_email,omitempty"`
	Payouts       []Payout         `json:"payouts"`
	ResolvedAt    time.Time        `json:"resolved_at"`
}

// TotalCredited is the sum of every credit the settlement applied, fees and
// remainder included. It always equals PoolA + PoolB.
func (r *Result) TotalCredited() decimal.Decimal {
	total := r.HouseShare.Add(r.CreatorCut).Add(r.Remainder)
	for _, p := range r.Payouts {
		total = total.Add(p.Amount)
	}
	return total
}

// Engine settles markets against a store.
type Engine struct {
	store        store.Store
	fees         payout.FeeSchedule
	houseAccount string
	now          func() time.Time
}

// NewEngine creates a settlement engine. An empty houseAccount selects
// DefaultHouseAccount.
func NewEngine(st store.Store, fees payout.FeeSchedule, houseAccount string) *Engine {
	if houseAccount == "" {
		houseAccount = DefaultHouseAccount
	}
	return &Engine{
		store:        st,
		fees:         fees,
		houseAccount: houseAccount,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Fees returns the schedule the engine pays out with.
func (e *Engine) Fees() payout.FeeSchedule { return e.fees }

// Resolve declares the winner of a market and pays it out. declared is a
// letter ("a"/"b") or one of the market's option labels, in any case.
// A market that is already resolved, or a declared winner that matches
// neither option, leaves every balance and the market untouched.
func (e *Engine) Resolve(ctx context.Context, marketID, declared string) (*Result, error) {
	start := time.Now()

	var res *Result
	err := e.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Resolution.IsResolved() {
			return fmt.Errorf("%w: %s is %s", model.ErrAlreadyResolved, m.ID, m.Resolution)
		}

		winner, err := outcome.ForMarket(declared, m)
		if err != nil {
			return err
		}

		bets, err := tx.BetsForMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		if err := checkPools(m, bets); err != nil {
			return err
		}

		r := &Result{
			MarketID:     m.ID,
			Question:     m.Question,
			PoolA:        m.PoolA,
			PoolB:        m.PoolB,
			FeeRate:      decimal.Zero,
			CreatorRate:  decimal.Zero,
			HouseCut:     decimal.Zero,
			CreatorCut:   decimal.Zero,
			HouseShare:   decimal.Zero,
			Remainder:    decimal.Zero,
			HouseAccount: e.houseAccount,
			ResolvedAt:   e.now(),
		}

		ledger := credits{}
		if payout.Refundable(m) {
			r.Refunded = true
			r.Resolution = model.ResolvedRefunded
			r.Distributable = decimal.Zero
			for _, b := range bets {
				ledger.add(b.UserEmail, b.Stake)
				r.Payouts = append(r.Payouts, payoutFor(b, b.Stake))
			}
		} else {
			split := e.fees.Split(m, winner)
			r.Resolution = model.ResolvedFor(winner)
			r.WinnerLabel = m.Label(winner)
			r.FeeRate = split.FeeRate
			r.CreatorRate = split.CreatorRate
			r.HouseCut = split.HouseCut
			r.CreatorCut = split.CreatorCut
			r.HouseShare = split.HouseShare
			r.Distributable = split.Distributable

			paid := decimal.Zero
			for _, b := range bets {
				if b.Option != winner {
					continue
				}
				amount := split.Payout(b.Stake)
				paid = paid.Add(amount)
				ledger.add(b.UserEmail, amount)
				r.Payouts = append(r.Payouts, payoutFor(b, amount))
			}
			r.Remainder = split.WinPool.Add(split.Distributable).Sub(paid)

			ledger.add(e.houseAccount, r.HouseShare.Add(r.Remainder))
			if r.CreatorCut.IsPositive() {
				r.CreatorEmail = m.CreatorEmail
				ledger.add(m.CreatorEmail, r.CreatorCut)
			}
		}

		for _, email := range ledger.emails() {
			if err := tx.Credit(ctx, email, ledger[email]); err != nil {
				return err
			}
		}
		settled := model.SettledFees{Rate: r.FeeRate, CreatorRate: r.CreatorRate}
		if err := tx.SetResolution(ctx, m.ID, r.Resolution, settled, r.ResolvedAt); err != nil {
			return err
		}

		res = r
		return nil
	})
	if err != nil {
		return nil, model.WrapStore("resolve market", err)
	}

	outcomeLabel := "refunded"
	if w, ok := res.Resolution.Winner(); ok {
		outcomeLabel = string(w)
	}
	metrics.SettlementsTotal.WithLabelValues(outcomeLabel).Inc()
	metrics.FeesCollected.WithLabelValues("house").Add(res.HouseShare.Add(res.Remainder).InexactFloat64())
	metrics.FeesCollected.WithLabelValues("creator").Add(res.CreatorCut.InexactFloat64())
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	slog.Info("market resolved",
		"market", res.MarketID,
		"resolution", res.Resolution,
		"pool_a", res.PoolA.String(),
		"pool_b", res.PoolB.String(),
		"fee_rate", res.FeeRate.String(),
		"house_cut", res.HouseCut.String(),
		"creator_cut", res.CreatorCut.String(),
		"remainder", res.Remainder.String(),
		"payouts", len(res.Payouts),
	)
	return res, nil
}

// checkPools verifies that the recorded stakes add up to the pool totals.
func checkPools(m *model.Market, bets []model.Bet) error {
	sumA, sumB := decimal.Zero, decimal.Zero
	for _, b := range bets {
		if b.Option == model.OptionA {
			sumA = sumA.Add(b.Stake)
		} else {
			sumB = sumB.Add(b.Stake)
		}
	}
	if !sumA.Equal(m.PoolA) || !sumB.Equal(m.PoolB) {
		return fmt.Errorf("%w: market %s pools %s/%s, stakes %s/%s",
			model.ErrLedgerInconsistent, m.ID, m.PoolA, m.PoolB, sumA, sumB)
	}
	return nil
}

func payoutFor(b model.Bet, amount decimal.Decimal) Payout {
	return Payout{
		BetID:     b.ID,
		UserEmail: b.UserEmail,
		Option:    b.Option,
		Stake:     b.Stake,
		Amount:    amount,
	}
}

// credits accumulates the amount owed to each account.
type credits map[string]decimal.Decimal

func (c credits) add(email string, amount decimal.Decimal) {
	c[email] = c[email].Add(amount)
}

// emails returns the accounts in ascending order, the lock order.
func (c credits) emails() []string {
	out := make([]string, 0, len(c))
	for email := range c {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}
