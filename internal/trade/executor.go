package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/store"
)

// DefaultThesisMinStake is the smallest stake that may carry a thesis.
var DefaultThesisMinStake = decimal.NewFromInt(50)

// PlaceBetInput is a request to stake on one option of a market.
type PlaceBetInput struct {
	UserEmail string
	MarketID  string
	Option    model.Option
	Stake     decimal.Decimal
	Thesis    string
}

// Executor places stakes. It holds no state of its own: every check and
// mutation happens inside one store transaction that locks the market row
// before the user row, the same order settlement uses.
type Executor struct {
	store          store.Store
	thesisMinStake decimal.Decimal
	now            func() time.Time
}

// NewExecutor creates an executor. A non-positive thesisMinStake selects
// DefaultThesisMinStake.
func NewExecutor(st store.Store, thesisMinStake decimal.Decimal) *Executor {
	if !thesisMinStake.IsPositive() {
		thesisMinStake = DefaultThesisMinStake
	}
	return &Executor{
		store:          st,
		thesisMinStake: thesisMinStake,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBet debits the stake from the user, adds it to the chosen pool and
// records the bet, all or nothing.
func (e *Executor) PlaceBet(ctx context.Context, in PlaceBetInput) (*model.Bet, error) {
	start := time.Now()

	if !model.ValidAmount(in.Stake) {
		metrics.BetRejections.WithLabelValues("invalid_amount").Inc()
		return nil, fmt.Errorf("%w: stake %s", model.ErrInvalidAmount, in.Stake)
	}
	if !in.Option.Valid() {
		metrics.BetRejections.WithLabelValues("invalid_option").Inc()
		return nil, fmt.Errorf("%w: got %q", model.ErrInvalidOption, in.Option)
	}

	var bet *model.Bet
	err := e.store.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		market, err := tx.LockMarket(ctx, in.MarketID)
		if err != nil {
			return err
		}
		if market.Resolution.IsResolved() {
			return fmt.Errorf("%w: %s is %s", model.ErrAlreadyResolved, market.ID, market.Resolution)
		}

		user, err := tx.LockUser(ctx, in.UserEmail)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(in.Stake) {
			return fmt.Errorf("%w: balance %s, stake %s", model.ErrInsufficientFunds, user.Balance, in.Stake)
		}

		if err := tx.Debit(ctx, user.Email, in.Stake); err != nil {
			return err
		}
		if err := tx.AddToPool(ctx, market.ID, in.Option, in.Stake); err != nil {
			return err
		}

		placed := e.now()
		b := &model.Bet{
			ID:        uuid.New().String(),
			UserEmail: user.Email,
			MarketID:  market.ID,
			Option:    in.Option,
			Stake:     in.Stake,
			PlacedAt:  placed,
		}
		if err := tx.InsertBet(ctx, b); err != nil {
			return err
		}

		if body := strings.TrimSpace(in.Thesis); body != "" && in.Stake.GreaterThanOrEqual(e.thesisMinStake) {
			if err := tx.InsertThesis(ctx, &model.Thesis{BetID: b.ID, Body: body, CreatedAt: placed}); err != nil {
				return err
			}
			b.Thesis = body
		}

		bet = b
		return nil
	})
	if err != nil {
		metrics.BetRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, model.WrapStore("place bet", err)
	}

	metrics.BetsTotal.WithLabelValues(string(bet.Option)).Inc()
	metrics.StakeVolume.WithLabelValues(string(bet.Option)).Add(bet.Stake.InexactFloat64())
	metrics.BetLatency.Observe(time.Since(start).Seconds())

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"user", bet.UserEmail,
		"market", bet.MarketID,
		"option", bet.Option,
		"stake", bet.Stake.String(),
		"thesis", bet.Thesis != "",
	)
	return bet, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "store"
	}
}
