// Package store defines the persistence interface for the wager ledger.
// Implementations include PostgreSQL (source of truth), SQLite (single-node),
// Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// Store is the persistence interface. Every balance or pool mutation made by
// stake placement and settlement goes through Atomically so that it commits
// as one unit or not at all.
type Store interface {
	// --- Users ---

	// CreateUser registers a new account. Returns model.ErrAlreadyExists on
	// a duplicate email or nickname.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by email.
	GetUser(ctx context.Context, email string) (*model.User, error)

	// Deposit credits amount to the user's balance, creating the account if
	// it does not exist yet, and returns the updated user.
	Deposit(ctx context.Context, email string, amount decimal.Decimal) (*model.User, error)

	// --- Markets ---

	// CreateMarket persists a new unresolved market with empty pools.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Bets ---

	// ListBetsByUser returns a user's bets, newest first, with thesis text.
	ListBetsByUser(ctx context.Context, email string) ([]model.Bet, error)

	// ListBetsByMarket returns a market's bets in placement order.
	ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// --- Transactions ---

	// Atomically runs fn in one isolated transaction. The transaction commits
	// if fn returns nil and rolls back otherwise; fn's error is returned
	// unchanged.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of ledger mutations available inside Atomically. Rows must be
// locked market first, then users in ascending email order.
type Tx interface {
	// LockMarket reads a market and holds an exclusive lock on it until the
	// transaction ends.
	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// LockUser reads a user and holds an exclusive lock on it until the
	// transaction ends.
	LockUser(ctx context.Context, email string) (*model.User, error)

	// Debit subtracts amount from an existing user's balance.
	Debit(ctx context.Context, email string, amount decimal.Decimal) error

	// Credit adds amount to a user's balance, creating the account if needed.
	Credit(ctx context.Context, email string, amount decimal.Decimal) error

	// AddToPool adds amount to the pool of option on a market.
	AddToPool(ctx context.Context, marketID string, option model.Option, amount decimal.Decimal) error

	// InsertBet appends an immutable bet record.
	InsertBet(ctx context.Context, bet *model.Bet) error

	// InsertThesis attaches a rationale to a bet.
	InsertThesis(ctx context.Context, thesis *model.Thesis) error

	// BetsForMarket returns the market's bets in placement order.
	BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// SetResolution records a market's final state and the fee rates its
	// settlement charged.
	SetResolution(ctx context.Context, marketID string, resolution model.Resolution, fees model.SettledFees, at time.Time) error
}

// deposit credits amount inside one transaction and returns the updated user.
func deposit(ctx context.Context, s Store, email string, amount decimal.Decimal) (*model.User, error) {
	var out *model.User
	err := s.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Credit(ctx, email, amount); err != nil {
			return err
		}
		u, err := tx.LockUser(ctx, email)
		out = u
		return err
	})
	return out, err
}
