package payout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func market(poolA, poolB string) *model.Market {
	return &model.Market{
		ID:         "m1",
		OptionA:    "Yes",
		OptionB:    "No",
		PoolA:      d(poolA),
		PoolB:      d(poolB),
		Resolution: model.Unresolved,
	}
}

// --- Fee schedule ---

func TestRateFor_Threshold(t *testing.T) {
	f := DefaultFeeSchedule()

	if r := f.RateFor(d("999")); !r.IsZero() {
		t.Errorf("expected zero fee below threshold, got %s", r)
	}
	if r := f.RateFor(d("999.99")); !r.IsZero() {
		t.Errorf("expected zero fee at 999.99, got %s", r)
	}
	if r := f.RateFor(d("1000")); !r.Equal(d("0.05")) {
		t.Errorf("expected 5%% at threshold, got %s", r)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultFeeSchedule().Validate(); err != nil {
		t.Fatalf("default schedule should be valid: %v", err)
	}

	bad := DefaultFeeSchedule()
	bad.Rate = d("1.5")
	if err := bad.Validate(); err != ErrInvalidRate {
		t.Errorf("expected ErrInvalidRate, got %v", err)
	}

	bad = DefaultFeeSchedule()
	bad.Threshold = d("-1")
	if err := bad.Validate(); err != ErrInvalidThreshold {
		t.Errorf("expected ErrInvalidThreshold, got %v", err)
	}
}

// --- Split ---

func TestSplit_WorkedExample(t *testing.T) {
	// A=600, B=400, total=1000 → fee 5% of 400 = 20, distributable 380.
	s := DefaultFeeSchedule().Split(market("600", "400"), model.OptionA)

	if !s.LosePool.Equal(d("400")) {
		t.Errorf("lose pool = %s, want 400", s.LosePool)
	}
	if !s.HouseCut.Equal(d("20")) {
		t.Errorf("house cut = %s, want 20", s.HouseCut)
	}
	if !s.Distributable.Equal(d("380")) {
		t.Errorf("distributable = %s, want 380", s.Distributable)
	}
	if got := s.Payout(d("300")); !got.Equal(d("490")) {
		t.Errorf("payout for 300 = %s, want 490", got)
	}
}

func TestSplit_BelowThresholdNoFee(t *testing.T) {
	s := DefaultFeeSchedule().Split(market("599", "400"), model.OptionA)
	if !s.HouseCut.IsZero() {
		t.Errorf("expected no house cut for total 999, got %s", s.HouseCut)
	}
	if !s.Distributable.Equal(d("400")) {
		t.Errorf("distributable = %s, want full losing pool", s.Distributable)
	}
}

func TestSplit_CreatorRoyalty(t *testing.T) {
	m := market("600", "400")
	m.CreatorEmail = "creator@example.com"

	s := DefaultFeeSchedule().Split(m, model.OptionA)

	// 0.5 pp of 400 = 2 to the creator, remaining 18 to the house.
	if !s.CreatorCut.Equal(d("2")) {
		t.Errorf("creator cut = %s, want 2", s.CreatorCut)
	}
	if !s.HouseShare.Equal(d("18")) {
		t.Errorf("house share = %s, want 18", s.HouseShare)
	}
	if !s.HouseCut.Equal(d("20")) {
		t.Errorf("house cut = %s, want 20 (royalty comes out of the cut)", s.HouseCut)
	}
}

func TestSplit_NoRoyaltyWithoutFee(t *testing.T) {
	m := market("300", "200")
	m.CreatorEmail = "creator@example.com"

	s := DefaultFeeSchedule().Split(m, model.OptionB)
	if !s.CreatorCut.IsZero() || !s.HouseCut.IsZero() {
		t.Errorf("small market should pay no fee or royalty, got cut=%s creator=%s",
			s.HouseCut, s.CreatorCut)
	}
}

func TestSplit_RoyaltyDisabled(t *testing.T) {
	m := market("600", "400")
	m.CreatorEmail = "creator@example.com"

	f := DefaultFeeSchedule()
	f.CreatorRate = decimal.Zero

	s := f.Split(m, model.OptionA)
	if !s.CreatorCut.IsZero() {
		t.Errorf("expected no creator cut when royalty disabled, got %s", s.CreatorCut)
	}
	if !s.HouseShare.Equal(s.HouseCut) {
		t.Errorf("house share %s should equal house cut %s", s.HouseShare, s.HouseCut)
	}
}

func TestSplit_SubCentFeeTruncated(t *testing.T) {
	// 5% of 333.33 = 16.6665 → 16.66.
	s := DefaultFeeSchedule().Split(market("700", "333.33"), model.OptionA)
	if !s.HouseCut.Equal(d("16.66")) {
		t.Errorf("house cut = %s, want 16.66", s.HouseCut)
	}
	if !s.Distributable.Equal(d("316.67")) {
		t.Errorf("distributable = %s, want 316.67", s.Distributable)
	}
}

// --- Payout ---

func TestPayout_NeverExceedsPool(t *testing.T) {
	stakes := []string{"100", "100", "100"}
	m := market("300", "1000")
	s := DefaultFeeSchedule().Split(m, model.OptionA)

	total := decimal.Zero
	for _, st := range stakes {
		p := s.Payout(d(st))
		if !p.Equal(p.Truncate(model.AmountScale)) {
			t.Errorf("payout %s has more than 2 decimal places", p)
		}
		total = total.Add(p)
	}

	max := s.WinPool.Add(s.Distributable)
	if total.GreaterThan(max) {
		t.Errorf("payouts %s exceed win pool + distributable %s", total, max)
	}
	if max.Sub(total).GreaterThanOrEqual(d("0.03")) {
		t.Errorf("rounding remainder %s should be below one cent per winner", max.Sub(total))
	}
}

func TestPayout_ZeroWinPoolReturnsStake(t *testing.T) {
	s := DefaultFeeSchedule().Split(market("0", "500"), model.OptionA)
	if got := s.Payout(d("10")); !got.Equal(d("10")) {
		t.Errorf("expected stake back, got %s", got)
	}
}

// --- Projection ---

func TestProject_Statuses(t *testing.T) {
	f := DefaultFeeSchedule()
	betA := &model.Bet{Option: model.OptionA, Stake: d("300")}
	betB := &model.Bet{Option: model.OptionB, Stake: d("400")}

	m := market("600", "400")
	if p := Project(betA, m); p.Status != model.BetPending || !p.Payout.IsZero() {
		t.Errorf("unresolved: got %s %s", p.Status, p.Payout)
	}

	m.Resolution = model.ResolvedA
	m.Settled = f.Settle(m)
	if p := Project(betA, m); p.Status != model.BetWon || !p.Payout.Equal(d("490")) {
		t.Errorf("won: got %s %s", p.Status, p.Payout)
	}
	if p := Project(betB, m); p.Status != model.BetLost || !p.Payout.IsZero() {
		t.Errorf("lost: got %s %s", p.Status, p.Payout)
	}

	m.Resolution = model.ResolvedRefunded
	if p := Project(betB, m); p.Status != model.BetRefunded || !p.Payout.Equal(d("400")) {
		t.Errorf("refunded: got %s %s", p.Status, p.Payout)
	}
}

func TestProject_UsesSettledRates(t *testing.T) {
	bet := &model.Bet{Option: model.OptionA, Stake: d("600")}
	m := market("600", "400")
	m.Resolution = model.ResolvedA
	m.Settled = DefaultFeeSchedule().Settle(m)

	want := DefaultFeeSchedule().Split(m, model.OptionA).Payout(bet.Stake)
	if !want.Equal(d("980")) {
		t.Fatalf("settled payout = %s, want 980", want)
	}

	// A later schedule must not change what a resolved bet paid.
	cheaper := DefaultFeeSchedule()
	cheaper.Rate = d("0.02")
	if got := cheaper.Split(m, model.OptionA).Payout(bet.Stake); got.Equal(want) {
		t.Fatalf("schedules should differ, both give %s", got)
	}
	if p := Project(bet, m); !p.Payout.Equal(want) {
		t.Errorf("projected %s, settlement credited %s", p.Payout, want)
	}
}

func TestSettle_Rates(t *testing.T) {
	f := DefaultFeeSchedule()

	small := market("500", "400")
	if fees := f.Settle(small); !fees.Rate.IsZero() || !fees.CreatorRate.IsZero() {
		t.Errorf("below threshold: got %s/%s", fees.Rate, fees.CreatorRate)
	}

	large := market("600", "400")
	if fees := f.Settle(large); !fees.Rate.Equal(d("0.05")) || !fees.CreatorRate.IsZero() {
		t.Errorf("no creator: got %s/%s", fees.Rate, fees.CreatorRate)
	}

	large.CreatorEmail = "carol@example.com"
	if fees := f.Settle(large); !fees.CreatorRate.Equal(d("0.005")) {
		t.Errorf("creator rate = %s, want 0.005", fees.CreatorRate)
	}
}

func TestPotential(t *testing.T) {
	f := DefaultFeeSchedule()
	bet := &model.Bet{Option: model.OptionA, Stake: d("300")}

	if got := Potential(bet, market("600", "400"), f); !got.Equal(d("490")) {
		t.Errorf("potential = %s, want 490", got)
	}
	if got := Potential(bet, market("300", "0"), f); !got.Equal(d("300")) {
		t.Errorf("one-sided market potential = %s, want stake back", got)
	}
}

func TestRefundable(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"0", "500", true},
		{"500", "0", true},
		{"0", "0", true},
		{"1", "1", false},
	}
	for _, tt := range tests {
		if got := Refundable(market(tt.a, tt.b)); got != tt.want {
			t.Errorf("Refundable(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
