package trade

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/settlement"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// --- Request/Response types ---

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	UserEmail string          `json:"user_email" validate:"required,email"`
	MarketID  string          `json:"market_id" validate:"required"`
	Option    string          `json:"option" validate:"required"` // "A" or "B", any case
	Stake     decimal.Decimal `json:"stake"`
	Thesis    string          `json:"thesis,omitempty" validate:"max=2000"`
}

func (r *PlaceBetRequest) Validate() error {
	return validate.Struct(r)
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Winner string `json:"winner" validate:"required"` // letter or option label
}

func (r *ResolveRequest) Validate() error {
	return validate.Struct(r)
}

// ResolveResponse is returned from a successful resolution.
type ResolveResponse struct {
	*settlement.Result
	Message string `json:"message"`
}

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question     string `json:"question" validate:"required,max=500"`
	OptionA      string `json:"option_a" validate:"required,max=100"`
	OptionB      string `json:"option_b" validate:"required,max=100"`
	CreatorEmail string `json:"creator_email,omitempty" validate:"omitempty,email"`
	Approved     *bool  `json:"approved,omitempty"` // defaults to true
}

func (r *CreateMarketRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(r.OptionA), strings.TrimSpace(r.OptionB)) {
		return errors.New("option_a and option_b must differ")
	}
	return nil
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Nickname string `json:"nickname,omitempty" validate:"omitempty,max=32"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

func (r *CreateUserRequest) Validate() error {
	return validate.Struct(r)
}

// DepositRequest is the JSON body for POST /users/{email}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (r *DepositRequest) Validate() error {
	if !model.ValidAmount(r.Amount) {
		return fmt.Errorf("%w: amount %s", model.ErrInvalidAmount, r.Amount)
	}
	return nil
}

// MarketView is a market with the fee it would charge at its current size,
// or the fee it did charge once resolved.
type MarketView struct {
	model.Market
	TotalPool decimal.Decimal `json:"total_pool"`
	FeeRate   decimal.Decimal `json:"fee_rate"`
}

func newMarketView(m model.Market, fees payout.FeeSchedule) MarketView {
	total := m.TotalPool()
	rate := fees.RateFor(total)
	if m.Resolution.IsResolved() {
		rate = m.Settled.Rate
	}
	return MarketView{Market: m, TotalPool: total, FeeRate: rate}
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
