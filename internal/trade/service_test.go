package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/settlement"
	"github.com/atmx/wager-engine/internal/store"
	"github.com/atmx/wager-engine/internal/trade"
)

const house = "house@example.com"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, opts ...trade.ServiceOption) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := newService(ms, opts...)
	return svc, ms, newRouter(svc)
}

func newService(st store.Store, opts ...trade.ServiceOption) *trade.Service {
	exec := trade.NewExecutor(st, decimal.Zero)
	eng := settlement.NewEngine(st, payout.DefaultFeeSchedule(), house)
	return trade.NewService(st, exec, eng, nil, opts...)
}

func newRouter(svc *trade.Service) chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Mount(r)
	})
	return r
}

// seedMarket creates a test market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string) *model.Market {
	t.Helper()
	market := &model.Market{
		ID:         id,
		Question:   "Will Gor Mahia win the derby?",
		OptionA:    "Gor Mahia",
		OptionB:    "AFC Leopards",
		PoolA:      decimal.Zero,
		PoolB:      decimal.Zero,
		Resolution: model.Unresolved,
		Approved:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func fund(t *testing.T, ms *store.MemoryStore, email, amount string) {
	t.Helper()
	if _, err := ms.Deposit(context.Background(), email, d(amount)); err != nil {
		t.Fatalf("failed to fund %s: %v", email, err)
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeBet(t *testing.T, router chi.Router, email, marketID, option, stake string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/bets", map[string]string{
		"user_email": email,
		"market_id":  marketID,
		"option":     option,
		"stake":      stake,
	})
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return body["error"]
}

// --- Stake placement ---

func TestPlaceBet_Created(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "100")

	w := placeBet(t, router, "alice@example.com", "m1", " a ", "30")
	svc.Wait()

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var bet model.Bet
	json.Unmarshal(w.Body.Bytes(), &bet)
	if bet.ID == "" {
		t.Error("expected non-empty bet id")
	}
	if bet.Option != model.OptionA {
		t.Errorf("expected option A, got %q", bet.Option)
	}
	if !bet.Stake.Equal(d("30")) {
		t.Errorf("expected stake 30, got %s", bet.Stake)
	}

	u, _ := ms.GetUser(context.Background(), "alice@example.com")
	if !u.Balance.Equal(d("70")) {
		t.Errorf("expected balance 70, got %s", u.Balance)
	}
}

func TestPlaceBet_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed body", `{"stake":`, http.StatusBadRequest},
		{"missing email", map[string]string{"market_id": "m1", "option": "A", "stake": "10"}, http.StatusBadRequest},
		{"bad email", map[string]string{"user_email": "alice", "market_id": "m1", "option": "A", "stake": "10"}, http.StatusBadRequest},
		{"bad option", map[string]string{"user_email": "alice@example.com", "market_id": "m1", "option": "C", "stake": "10"}, http.StatusBadRequest},
		{"zero stake", map[string]string{"user_email": "alice@example.com", "market_id": "m1", "option": "A", "stake": "0"}, http.StatusBadRequest},
		{"fractional cents", map[string]string{"user_email": "alice@example.com", "market_id": "m1", "option": "A", "stake": "0.001"}, http.StatusBadRequest},
		{"unknown market", map[string]string{"user_email": "alice@example.com", "market_id": "nope", "option": "A", "stake": "10"}, http.StatusNotFound},
		{"unknown user", map[string]string{"user_email": "ghost@example.com", "market_id": "m1", "option": "A", "stake": "10"}, http.StatusNotFound},
		{"insufficient funds", map[string]string{"user_email": "alice@example.com", "market_id": "m1", "option": "B", "stake": "500"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms, router := newTestEnv(t)
			seedMarket(t, ms, "m1")
			fund(t, ms, "alice@example.com", "100")

			w := do(t, router, "POST", "/api/v1/bets", tt.body)
			svc.Wait()
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if errorBody(t, w) == "" {
				t.Error("expected an error message")
			}
		})
	}
}

// --- Resolution ---

func TestResolveMarket_PaysWinners(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "600")
	fund(t, ms, "bob@example.com", "400")
	placeBet(t, router, "alice@example.com", "m1", "A", "600")
	placeBet(t, router, "bob@example.com", "m1", "B", "400")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "gor mahia"})
	svc.Wait()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.ResolveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Resolution != model.ResolvedA {
		t.Errorf("expected resolved:A, got %s", resp.Resolution)
	}
	// 5% of the 400 losing pool.
	if !resp.HouseCut.Equal(d("20")) {
		t.Errorf("expected house cut 20, got %s", resp.HouseCut)
	}
	if !strings.Contains(resp.Message, "Gor Mahia wins") {
		t.Errorf("unexpected message %q", resp.Message)
	}

	ctx := context.Background()
	alice, _ := ms.GetUser(ctx, "alice@example.com")
	bob, _ := ms.GetUser(ctx, "bob@example.com")
	h, _ := ms.GetUser(ctx, house)
	if !alice.Balance.Equal(d("980")) {
		t.Errorf("alice: expected 980, got %s", alice.Balance)
	}
	if !bob.Balance.IsZero() {
		t.Errorf("bob: expected 0, got %s", bob.Balance)
	}
	if !h.Balance.Equal(d("20")) {
		t.Errorf("house: expected 20, got %s", h.Balance)
	}
}

func TestResolveMarket_RefundsOneSided(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "100")
	placeBet(t, router, "alice@example.com", "m1", "A", "100")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "B"})
	svc.Wait()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.ResolveResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Refunded || resp.Resolution != model.ResolvedRefunded {
		t.Errorf("expected a refund, got %+v", resp.Result)
	}
	if !strings.Contains(resp.Message, "refunded") {
		t.Errorf("unexpected message %q", resp.Message)
	}

	alice, _ := ms.GetUser(context.Background(), "alice@example.com")
	if !alice.Balance.Equal(d("100")) {
		t.Errorf("expected full refund, got %s", alice.Balance)
	}
}

func TestResolveMarket_Errors(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")

	w := do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "Tusker"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid outcome: expected 400, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing winner: expected 400, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/markets/nope/resolve", map[string]string{"winner": "A"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "A"})
	if w.Code != http.StatusOK {
		t.Fatalf("first resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "A"})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve: expected 409, got %d", w.Code)
	}
	svc.Wait()
}

// --- History ---

func TestGetUserBets_StatusAndPayout(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "1000")
	fund(t, ms, "bob@example.com", "400")
	placeBet(t, router, "alice@example.com", "m1", "A", "600")
	placeBet(t, router, "bob@example.com", "m1", "B", "400")

	var views []model.BetView
	w := do(t, router, "GET", "/api/v1/users/alice@example.com/bets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 bet, got %d", len(views))
	}
	if views[0].Status != model.BetPending || !views[0].Payout.IsZero() {
		t.Errorf("expected pending with zero payout, got %s/%s", views[0].Status, views[0].Payout)
	}
	if !views[0].PotentialPayout.Equal(d("980")) {
		t.Errorf("expected potential payout 980, got %s", views[0].PotentialPayout)
	}
	if views[0].ChoiceLabel != "Gor Mahia" {
		t.Errorf("expected choice label Gor Mahia, got %q", views[0].ChoiceLabel)
	}

	do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "A"})
	svc.Wait()

	w = do(t, router, "GET", "/api/v1/users/alice@example.com/bets", nil)
	views = nil
	json.Unmarshal(w.Body.Bytes(), &views)
	if views[0].Status != model.BetWon || !views[0].Payout.Equal(d("980")) {
		t.Errorf("expected won/980, got %s/%s", views[0].Status, views[0].Payout)
	}

	w = do(t, router, "GET", "/api/v1/users/bob@example.com/bets", nil)
	views = nil
	json.Unmarshal(w.Body.Bytes(), &views)
	if views[0].Status != model.BetLost || !views[0].Payout.IsZero() {
		t.Errorf("expected lost/0, got %s/%s", views[0].Status, views[0].Payout)
	}
}

func TestGetUserBets_PayoutSurvivesFeeChange(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "600")
	fund(t, ms, "bob@example.com", "400")
	placeBet(t, router, "alice@example.com", "m1", "A", "600")
	placeBet(t, router, "bob@example.com", "m1", "B", "400")
	do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "A"})
	svc.Wait()

	u, _ := ms.GetUser(context.Background(), "alice@example.com")
	if !u.Balance.Equal(d("980")) {
		t.Fatalf("expected alice credited 980, got %s", u.Balance)
	}

	// Same ledger, served after the fee schedule was lowered.
	fees := payout.DefaultFeeSchedule()
	fees.Rate = d("0.02")
	repriced := trade.NewService(ms, trade.NewExecutor(ms, decimal.Zero), settlement.NewEngine(ms, fees, house), nil)
	router = newRouter(repriced)

	var views []model.BetView
	w := do(t, router, "GET", "/api/v1/users/alice@example.com/bets", nil)
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || !views[0].Payout.Equal(u.Balance) {
		t.Fatalf("expected history payout to match credited %s, got %+v", u.Balance, views)
	}

	var market trade.MarketView
	w = do(t, router, "GET", "/api/v1/markets/m1", nil)
	json.Unmarshal(w.Body.Bytes(), &market)
	if !market.FeeRate.Equal(d("0.05")) {
		t.Errorf("expected settled fee rate 0.05, got %s", market.FeeRate)
	}
}

func TestGetUserBets_UnknownUser(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/users/nobody@example.com/bets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

// --- Markets ---

func TestCreateAndListMarkets(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "resolved")
	do(t, router, "POST", "/api/v1/markets/resolved/resolve", map[string]string{"winner": "A"})
	svc.Wait()

	w := do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question:     "Will it rain in Nairobi on Friday?",
		OptionA:      "Yes",
		OptionB:      "No",
		CreatorEmail: "carol@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created trade.MarketView
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" || created.Resolution != model.Unresolved || !created.Approved {
		t.Errorf("unexpected market %+v", created)
	}
	if !created.TotalPool.IsZero() || !created.FeeRate.IsZero() {
		t.Errorf("new market should have no pool and no fee, got %s/%s", created.TotalPool, created.FeeRate)
	}

	w = do(t, router, "GET", "/api/v1/markets/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get market: expected 200, got %d", w.Code)
	}

	var all, open []trade.MarketView
	json.Unmarshal(do(t, router, "GET", "/api/v1/markets", nil).Body.Bytes(), &all)
	json.Unmarshal(do(t, router, "GET", "/api/v1/markets?status=open", nil).Body.Bytes(), &open)
	if len(all) != 2 {
		t.Errorf("expected 2 markets, got %d", len(all))
	}
	if len(open) != 1 || open[0].ID != created.ID {
		t.Errorf("expected only the new market to be open, got %+v", open)
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Question: "Same?", OptionA: "Yes", OptionB: " yes ",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("equal labels: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{OptionA: "Yes", OptionB: "No"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing question: expected 400, got %d", w.Code)
	}
	if msg := errorBody(t, w); !strings.Contains(msg, "question") {
		t.Errorf("expected the failing field in %q", msg)
	}
}

func TestListMarketBets(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "100")
	placeBet(t, router, "alice@example.com", "m1", "A", "10")
	placeBet(t, router, "alice@example.com", "m1", "B", "20")
	svc.Wait()

	var bets []model.Bet
	w := do(t, router, "GET", "/api/v1/markets/m1/bets", nil)
	json.Unmarshal(w.Body.Bytes(), &bets)
	if len(bets) != 2 || !bets[0].Stake.Equal(d("10")) {
		t.Errorf("expected bets in placement order, got %+v", bets)
	}

	if w := do(t, router, "GET", "/api/v1/markets/nope/bets", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Users ---

func TestUsersAndDeposits(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Email: "alice@example.com", Nickname: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/users", trade.CreateUserRequest{Email: "alice@example.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email: expected 409, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/users/alice@example.com/deposit", map[string]string{"amount": "12.34"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var u model.User
	json.Unmarshal(w.Body.Bytes(), &u)
	if !u.Balance.Equal(d("12.34")) {
		t.Errorf("expected balance 12.34, got %s", u.Balance)
	}

	w = do(t, router, "POST", "/api/v1/users/alice@example.com/deposit", map[string]string{"amount": "-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative deposit: expected 400, got %d", w.Code)
	}

	if w := do(t, router, "GET", "/api/v1/users/alice@example.com", nil); w.Code != http.StatusOK {
		t.Errorf("get user: expected 200, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/users/nobody@example.com", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown user: expected 404, got %d", w.Code)
	}
}

// --- Store failures ---

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) ListMarkets(context.Context) ([]model.Market, error) {
	return nil, errors.New("connection refused")
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	router := newRouter(newService(brokenStore{store.NewMemoryStore()}))

	w := do(t, router, "GET", "/api/v1/markets", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if msg := errorBody(t, w); msg != "internal error" {
		t.Errorf("store detail leaked: %q", msg)
	}
}

// --- Post-commit notifications ---

type recordingPublisher struct {
	events.Nop
	bets     []events.BetPlaced
	resolved []events.MarketResolved
}

func (p *recordingPublisher) PublishBetPlaced(_ context.Context, e events.BetPlaced) error {
	p.bets = append(p.bets, e)
	return nil
}

func (p *recordingPublisher) PublishMarketResolved(_ context.Context, e events.MarketResolved) error {
	p.resolved = append(p.resolved, e)
	return nil
}

type recordingArchiver struct {
	receipts []*settlement.Result
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, res *settlement.Result) error {
	a.receipts = append(a.receipts, res)
	return a.err
}

func TestFanoutAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	arch := &recordingArchiver{err: errors.New("bucket unavailable")}
	svc, ms, router := newTestEnv(t, trade.WithEvents(pub), trade.WithArchiver(arch))
	seedMarket(t, ms, "m1")
	fund(t, ms, "alice@example.com", "100")
	fund(t, ms, "bob@example.com", "100")

	placeBet(t, router, "alice@example.com", "m1", "A", "10")
	svc.Wait()
	placeBet(t, router, "bob@example.com", "m1", "B", "5")
	placeBet(t, router, "bob@example.com", "m1", "B", "500") // rejected
	svc.Wait()

	w := do(t, router, "POST", "/api/v1/markets/m1/resolve", map[string]string{"winner": "A"})
	svc.Wait()

	// A failing archive does not affect the committed settlement.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(pub.bets) != 2 {
		t.Fatalf("expected 2 bet events, got %d", len(pub.bets))
	}
	if pub.bets[0].PoolA != "10" || pub.bets[1].PoolB != "5" {
		t.Errorf("unexpected pool snapshots: %+v", pub.bets)
	}
	if len(pub.resolved) != 1 || pub.resolved[0].Resolution != string(model.ResolvedA) {
		t.Errorf("unexpected resolution events: %+v", pub.resolved)
	}
	if len(arch.receipts) != 1 || arch.receipts[0].MarketID != "m1" {
		t.Errorf("expected one receipt for m1, got %+v", arch.receipts)
	}
}
