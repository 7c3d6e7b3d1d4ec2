// Package trade provides the HTTP handlers and business logic for placing
// stakes, resolving markets and querying bet history.
//
// Handlers decode and validate requests, then delegate to Executor and the
// settlement engine; money stays in shopspring/decimal throughout.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/notify"
	"github.com/atmx/wager-engine/internal/payout"
	"github.com/atmx/wager-engine/internal/settlement"
	"github.com/atmx/wager-engine/internal/store"
)

// fanoutTimeout bounds the post-commit side effects of one request.
const fanoutTimeout = 10 * time.Second

// ReceiptArchiver stores settlement receipts.
type ReceiptArchiver interface {
	Archive(ctx context.Context, res *settlement.Result) error
}

// Service handles market, bet and user operations. Correctness rests on the
// store's transactions; the service itself holds no ledger state.
//
// After a placement or settlement commits, the service notifies websocket
// clients, Kafka, Telegram and the receipt archive in the background. These
// are best effort: a failure is logged and counted, never rolled back.
type Service struct {
	store    store.Store
	executor *Executor
	engine   *settlement.Engine
	fees     payout.FeeSchedule

	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	events   events.Publisher
	notifier *notify.Notifier
	archiver ReceiptArchiver
	fanout   sync.WaitGroup
}

// ServiceOption configures optional collaborators of a Service.
type ServiceOption func(*Service)

// WithEvents publishes committed bets and settlements to p.
func WithEvents(p events.Publisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

// WithNotifier sends resolution alerts through n.
func WithNotifier(n *notify.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithArchiver stores a receipt for every settlement.
func WithArchiver(a ReceiptArchiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, exec *Executor, eng *settlement.Engine, hub *WSHub, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		executor: exec,
		engine:   eng,
		fees:     eng.Fees(),
		wsHub:    hub,
		events:   events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount registers the API routes on r. placeLimit wraps stake placement only.
func (s *Service) Mount(r chi.Router, placeLimit ...func(http.Handler) http.Handler) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time pool updates.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Markets.
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/bets", s.ListMarketBets)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

	// Stakes.
	r.With(placeLimit...).Post("/bets", s.PlaceBet)

	// Users.
	r.Post("/users", s.CreateUser)
	r.Get("/users/{email}", s.GetUser)
	r.Get("/users/{email}/bets", s.GetUserBets)
	r.Post("/users/{email}/deposit", s.Deposit)
}

// Wait blocks until background notifications have finished.
func (s *Service) Wait() {
	s.fanout.Wait()
}

// --- HTTP Handlers ---

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	option, err := model.ParseOption(req.Option)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	bet, err := s.executor.PlaceBet(r.Context(), PlaceBetInput{
		UserEmail: req.UserEmail,
		MarketID:  req.MarketID,
		Option:    option,
		Stake:     req.Stake,
		Thesis:    req.Thesis,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.afterBet(r.Context(), bet)
	writeJSON(w, http.StatusCreated, bet)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	res, err := s.engine.Resolve(r.Context(), marketID, req.Winner)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.afterResolve(r.Context(), res)
	writeJSON(w, http.StatusOK, ResolveResponse{Result: res, Message: resolutionSummary(res)})
}

// GetUserBets handles GET /api/v1/users/{email}/bets
// Returns the user's bets, newest first, with status and payout derived from
// each market.
func (s *Service) GetUserBets(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	ctx := r.Context()

	bets, err := s.store.ListBetsByUser(ctx, email)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	markets := make(map[string]*model.Market)
	views := make([]model.BetView, 0, len(bets))
	for i := range bets {
		b := &bets[i]
		m, ok := markets[b.MarketID]
		if !ok {
			m, err = s.store.GetMarket(ctx, b.MarketID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			markets[b.MarketID] = m
		}

		proj := payout.Project(b, m)
		view := model.BetView{
			Bet:             *b,
			Question:        m.Question,
			ChoiceLabel:     m.Label(b.Option),
			Status:          proj.Status,
			Payout:          proj.Payout,
			PotentialPayout: decimal.Zero,
		}
		if proj.Status == model.BetPending {
			view.PotentialPayout = payout.Potential(b, m, s.fees)
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	approved := true
	if req.Approved != nil {
		approved = *req.Approved
	}
	market := &model.Market{
		ID:           uuid.New().String(),
		Question:     strings.TrimSpace(req.Question),
		OptionA:      strings.TrimSpace(req.OptionA),
		OptionB:      strings.TrimSpace(req.OptionB),
		PoolA:        decimal.Zero,
		PoolB:        decimal.Zero,
		Resolution:   model.Unresolved,
		CreatorEmail: req.CreatorEmail,
		Approved:     approved,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("market created",
		"id", market.ID,
		"question", market.Question,
		"option_a", market.OptionA,
		"option_b", market.OptionB,
		"creator", market.CreatorEmail,
	)
	writeJSON(w, http.StatusCreated, newMarketView(*market, s.fees))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(*market, s.fees))
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|resolved.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := r.URL.Query().Get("status")
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		switch {
		case status == "open" && m.Resolution.IsResolved():
			continue
		case status == "resolved" && !m.Resolution.IsResolved():
			continue
		}
		views = append(views, newMarketView(m, s.fees))
	}
	writeJSON(w, http.StatusOK, views)
}

// ListMarketBets handles GET /api/v1/markets/{marketID}/bets
func (s *Service) ListMarketBets(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeServiceError(w, err)
		return
	}
	bets, err := s.store.ListBetsByMarket(ctx, marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	user := &model.User{
		Email:     strings.TrimSpace(req.Email),
		Nickname:  strings.TrimSpace(req.Nickname),
		Balance:   decimal.Zero,
		IsAdmin:   req.IsAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("user created", "email", user.Email, "nickname", user.Nickname)
	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /api/v1/users/{email}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Deposit handles POST /api/v1/users/{email}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeServiceError(w, err)
		return
	}

	user, err := s.store.Deposit(r.Context(), email, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("deposit", "email", email, "amount", req.Amount.String(), "balance", user.Balance.String())
	writeJSON(w, http.StatusOK, user)
}

// --- Post-commit fan-out ---

func (s *Service) afterBet(ctx context.Context, bet *model.Bet) {
	s.background(ctx, func(ctx context.Context) {
		m, err := s.store.GetMarket(ctx, bet.MarketID)
		if err != nil {
			slog.Warn("reload market after bet", "market", bet.MarketID, "err", err)
			return
		}

		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:     MsgBetPlaced,
				MarketID: m.ID,
				Option:   string(bet.Option),
				Stake:    bet.Stake.String(),
				PoolA:    m.PoolA.String(),
				PoolB:    m.PoolB.String(),
			})
		}

		err = s.events.PublishBetPlaced(ctx, events.BetPlaced{
			BetID:     bet.ID,
			UserEmail: bet.UserEmail,
			MarketID:  bet.MarketID,
			Option:    string(bet.Option),
			Stake:     bet.Stake.String(),
			PoolA:     m.PoolA.String(),
			PoolB:     m.PoolB.String(),
		})
		fanoutFailed("kafka", err, "bet", bet.ID)
	})
}

func (s *Service) afterResolve(ctx context.Context, res *settlement.Result) {
	s.background(ctx, func(ctx context.Context) {
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:       MsgMarketResolved,
				MarketID:   res.MarketID,
				PoolA:      res.PoolA.String(),
				PoolB:      res.PoolB.String(),
				Resolution: string(res.Resolution),
				Refunded:   res.Refunded,
			})
		}

		err := s.events.PublishMarketResolved(ctx, events.MarketResolved{
			MarketID:   res.MarketID,
			Resolution: string(res.Resolution),
			Refunded:   res.Refunded,
			PoolA:      res.PoolA.String(),
			PoolB:      res.PoolB.String(),
			HouseCut:   res.HouseCut.String(),
			CreatorCut: res.CreatorCut.String(),
			Payouts:    len(res.Payouts),
		})
		fanoutFailed("kafka", err, "market", res.MarketID)

		event := notify.EventMarketResolved
		if res.Refunded {
			event = notify.EventMarketRefunded
		}
		err = s.notifier.Notify(ctx, event, "Market resolved: "+res.Question, resolutionSummary(res))
		fanoutFailed("telegram", err, "market", res.MarketID)

		if s.archiver != nil {
			fanoutFailed("archive", s.archiver.Archive(ctx, res), "market", res.MarketID)
		}
	})
}

// background runs fn after the request has been answered, detached from the
// request's cancellation.
func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fanoutTimeout)
	s.fanout.Add(1)
	go func() {
		defer s.fanout.Done()
		defer cancel()
		fn(ctx)
	}()
}

func fanoutFailed(sink string, err error, args ...any) {
	if err == nil {
		return
	}
	metrics.FanoutFailures.WithLabelValues(sink).Inc()
	slog.Warn("post-commit notification failed", append([]any{"sink", sink, "err", err}, args...)...)
}

// resolutionSummary is the human-readable outcome of a settlement.
func resolutionSummary(res *settlement.Result) string {
	if res.Refunded {
		return fmt.Sprintf("One side had no stakes: %d stake(s) refunded in full, no fee charged.", len(res.Payouts))
	}
	msg := fmt.Sprintf("%s wins. %d winning bet(s) paid from a pool of %s; house cut %s.",
		res.WinnerLabel, len(res.Payouts), res.PoolA.Add(res.PoolB).StringFixed(model.AmountScale),
		res.HouseCut.StringFixed(model.AmountScale))
	if res.CreatorCut.IsPositive() {
		msg += fmt.Sprintf(" Creator royalty %s.", res.CreatorCut.StringFixed(model.AmountScale))
	}
	return msg
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps a domain error to its HTTP status. Anything that is
// not a business-rule violation is logged and reported without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidOption),
		errors.Is(err, model.ErrInvalidOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrAlreadyExists):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
