package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomically holds the write lock for the whole transaction, so transactions
// are fully serialized. The callback works on a copy of the state which
// replaces the live state only when it returns nil.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	users   map[string]*model.User
	markets map[string]*model.Market
	bets    []model.Bet
	theses  map[string]model.Thesis
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			users:   make(map[string]*model.User),
			markets: make(map[string]*model.Market),
			theses:  make(map[string]model.Thesis),
		},
	}
}

func (st memState) clone() memState {
	c := memState{
		users:   make(map[string]*model.User, len(st.users)),
		markets: make(map[string]*model.Market, len(st.markets)),
		bets:    make([]model.Bet, len(st.bets)),
		theses:  make(map[string]model.Thesis, len(st.theses)),
	}
	for k, u := range st.users {
		cp := *u
		c.users[k] = &cp
	}
	for k, m := range st.markets {
		cp := *m
		c.markets[k] = &cp
	}
	copy(c.bets, st.bets)
	for k, th := range st.theses {
		c.theses[k] = th
	}
	return c
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[u.Email]; ok {
		return fmt.Errorf("%w: user %s", model.ErrAlreadyExists, u.Email)
	}
	if u.Nickname != "" {
		for _, existing := range s.state.users {
			if existing.Nickname == u.Nickname {
				return fmt.Errorf("%w: nickname %s", model.ErrAlreadyExists, u.Nickname)
			}
		}
	}

	cp := *u
	s.state.users[u.Email] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.state.users[email]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, email)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) Deposit(ctx context.Context, email string, amount decimal.Decimal) (*model.User, error) {
	return deposit(ctx, s, email, amount)
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", model.ErrAlreadyExists, m.ID)
	}
	cp := *m
	s.state.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

// --- Bets ---

func (s *MemoryStore) ListBetsByUser(_ context.Context, email string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Bet
	for i := len(s.state.bets) - 1; i >= 0; i-- {
		b := s.state.bets[i]
		if b.UserEmail != email {
			continue
		}
		if th, ok := s.state.theses[b.ID]; ok {
			b.Thesis = th.Body
		}
		result = append(result, b)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PlacedAt.After(result[j].PlacedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.betsForMarket(marketID), nil
}

func (st memState) betsForMarket(marketID string) []model.Bet {
	var result []model.Bet
	for _, b := range st.bets {
		if b.MarketID != marketID {
			continue
		}
		if th, ok := st.theses[b.ID]; ok {
			b.Thesis = th.Body
		}
		result = append(result, b)
	}
	return result
}

// --- Transactions ---

func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.WrapStore("begin", err)
	}

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// memTx mutates a private copy of the store state.
type memTx struct {
	st *memState
}

func (t *memTx) LockMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) LockUser(_ context.Context, email string) (*model.User, error) {
	u, ok := t.st.users[email]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, email)
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) Debit(_ context.Context, email string, amount decimal.Decimal) error {
	u, ok := t.st.users[email]
	if !ok {
		return fmt.Errorf("%w: user %s", model.ErrNotFound, email)
	}
	next := u.Balance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, debit %s", model.ErrInsufficientFunds, u.Balance, amount)
	}
	u.Balance = next
	return nil
}

func (t *memTx) Credit(_ context.Context, email string, amount decimal.Decimal) error {
	u, ok := t.st.users[email]
	if !ok {
		u = &model.User{Email: email, CreatedAt: time.Now().UTC()}
		t.st.users[email] = u
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

func (t *memTx) AddToPool(_ context.Context, marketID string, option model.Option, amount decimal.Decimal) error {
	m, ok := t.st.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	if option == model.OptionA {
		m.PoolA = m.PoolA.Add(amount)
	} else {
		m.PoolB = m.PoolB.Add(amount)
	}
	return nil
}

func (t *memTx) InsertBet(_ context.Context, bet *model.Bet) error {
	b := *bet
	b.Thesis = ""
	t.st.bets = append(t.st.bets, b)
	return nil
}

func (t *memTx) InsertThesis(_ context.Context, th *model.Thesis) error {
	if _, ok := t.st.theses[th.BetID]; ok {
		return fmt.Errorf("%w: thesis for bet %s", model.ErrAlreadyExists, th.BetID)
	}
	t.st.theses[th.BetID] = *th
	return nil
}

func (t *memTx) BetsForMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	return t.st.betsForMarket(marketID), nil
}

func (t *memTx) SetResolution(_ context.Context, marketID string, r model.Resolution, fees model.SettledFees, at time.Time) error {
	m, ok := t.st.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	m.Resolution = r
	m.Settled = fees
	resolvedAt := at
	m.ResolvedAt = &resolvedAt
	return nil
}
