// Package model defines the core domain types shared across the wager engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places every ledger amount carries.
const AmountScale int32 = 2

// Option is one side of a binary market. Raw text is converted to an Option
// once at the boundary; the core never compares labels after that.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
)

// Valid reports whether o is one of the two market sides.
func (o Option) Valid() bool {
	return o == OptionA || o == OptionB
}

// Other returns the opposite side.
func (o Option) Other() Option {
	if o == OptionA {
		return OptionB
	}
	return OptionA
}

// ParseOption accepts "a"/"b" in any case, surrounded by any whitespace.
func ParseOption(s string) (Option, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return OptionA, nil
	case "B":
		return OptionB, nil
	}
	return "", ErrInvalidOption
}

// Resolution is the settlement state of a market.
type Resolution string

const (
	Unresolved       Resolution = "unresolved"
	ResolvedA        Resolution = "resolved:A"
	ResolvedB        Resolution = "resolved:B"
	ResolvedRefunded Resolution = "resolved:refunded"
)

// ResolvedFor returns the resolution that declares o the winner.
func ResolvedFor(o Option) Resolution {
	if o == OptionA {
		return ResolvedA
	}
	return ResolvedB
}

// IsResolved reports whether the market has left the unresolved state.
func (r Resolution) IsResolved() bool {
	return r != Unresolved && r != ""
}

// Winner returns the winning side, or false for unresolved and refunded markets.
func (r Resolution) Winner() (Option, bool) {
	switch r {
	case ResolvedA:
		return OptionA, true
	case ResolvedB:
		return OptionB, true
	}
	return "", false
}

// User is an account holder. Balance is mutated only by stake placement,
// settlement and deposits.
type User struct {
	Email        string          `json:"email" db:"email"`
	Nickname     string          `json:"nickname,omitempty" db:"nickname"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	IsAdmin      bool            `json:"is_admin" db:"is_admin"`
	PasswordHash string          `json:"-" db:"password_hash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Market is a binary question with one running stake pool per option.
// Pools only grow until resolution and are frozen afterwards.
type Market struct {
	ID           string          `json:"id" db:"id"`
	Question     string          `json:"question" db:"question"`
	OptionA      string          `json:"option_a" db:"option_a"`
	OptionB      string          `json:"option_b" db:"option_b"`
	PoolA        decimal.Decimal `json:"pool_a" db:"pool_a"`
	PoolB        decimal.Decimal `json:"pool_b" db:"pool_b"`
	Resolution   Resolution      `json:"resolution" db:"resolution"`
	CreatorEmail string          `json:"creator_email,omitempty" db:"creator_email"`
	Approved     bool            `json:"approved" db:"approved"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	Settled      SettledFees     `json:"settled_fees"` // zero until resolved
}

// SettledFees are the rates a settlement charged. They are stored with the
// resolution so that a payout is a function of the bet and its market alone,
// whatever the fee schedule says later.
type SettledFees struct {
	Rate        decimal.Decimal `json:"fee_rate" db:"settled_fee_rate"`
	CreatorRate decimal.Decimal `json:"creator_rate" db:"settled_creator_rate"`
}

// Pool returns the stake total on o.
func (m *Market) Pool(o Option) decimal.Decimal {
	if o == OptionA {
		return m.PoolA
	}
	return m.PoolB
}

// Label returns the display text of o.
func (m *Market) Label(o Option) string {
	if o == OptionA {
		return m.OptionA
	}
	return m.OptionB
}

// TotalPool is PoolA + PoolB.
func (m *Market) TotalPool() decimal.Decimal {
	return m.PoolA.Add(m.PoolB)
}

// Bet is an immutable record of one stake. Payout is derived from the bet
// and its market, never stored.
type Bet struct {
	ID        string          `json:"id" db:"id"`
	UserEmail string          `json:"user_email" db:"user_email"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Option    Option          `json:"option" db:"option"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	PlacedAt  time.Time       `json:"placed_at" db:"placed_at"`
	Thesis    string          `json:"thesis,omitempty" db:"-"` // read side only
}

// Thesis is a free-text rationale attached 1:1 to a sufficiently large bet.
type Thesis struct {
	BetID     string    `json:"bet_id" db:"bet_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BetStatus is the derived outcome of a bet.
type BetStatus string

const (
	BetPending  BetStatus = "pending"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
	BetRefunded BetStatus = "refunded"
)

// BetView is a bet annotated for display with its derived status and payout.
type BetView struct {
	Bet
	Question        string          `json:"question"`
	ChoiceLabel     string          `json:"choice_label"`
	Status          BetStatus       `json:"status"`
	Payout          decimal.Decimal `json:"payout"`
	PotentialPayout decimal.Decimal `json:"potential_payout"` // pending bets: payout if the choice wins at current pools
}
