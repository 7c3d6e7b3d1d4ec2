package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Transactions run entirely on the primary. The keys of every market and
// user a transaction touched are dropped once it commits.
//
// Every key has a generation counter that invalidation bumps. A read-through
// refill only writes if the generation it saw before reading the primary is
// still current, so a read that raced a commit cannot restore the old row.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(u.Email))
	return nil
}

func (s *CachedStore) Deposit(ctx context.Context, email string, amount decimal.Decimal) (*model.User, error) {
	u, err := s.primary.Deposit(ctx, email, amount)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userKey(email))
	return u, nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched *touchingTx
	err := s.primary.Atomically(ctx, func(ctx context.Context, tx Tx) error {
		touched = &touchingTx{Tx: tx}
		return fn(ctx, touched)
	})
	if err != nil || touched == nil {
		return err
	}
	s.invalidate(ctx, touched.keys()...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	key := marketKey(id)
	if s.lookup(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	gen, ok := s.generation(ctx, key)
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, key, gen, got)
	}
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	key := userKey(email)
	if s.lookup(ctx, key, &u) {
		return &u, nil
	}

	gen, ok := s.generation(ctx, key)
	got, err := s.primary.GetUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, key, gen, got)
	}
	return got, nil
}

func (s *CachedStore) ListBetsByUser(ctx context.Context, email string) ([]model.Bet, error) {
	var bets []model.Bet
	key := userBetsKey(email)
	if s.lookup(ctx, key, &bets) {
		return bets, nil
	}

	gen, ok := s.generation(ctx, key)
	bets, err := s.primary.ListBetsByUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, key, gen, bets)
	}
	return bets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return s.primary.ListBetsByMarket(ctx, marketID)
}

// --- Cache helpers ---

// lookup decodes key into dst and reports whether it was a usable hit.
// Redis errors count as misses.
func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// genTTL outlives any single read-through; it is refreshed on every bump.
const genTTL = 24 * time.Hour

var errStaleFill = errors.New("cache generation moved")

// generation returns key's current generation. ok is false when Redis is
// unavailable, in which case the caller must not fill.
func (s *CachedStore) generation(ctx context.Context, key string) (gen string, ok bool) {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", true
	case err != nil:
		return "", false
	}
	return gen, true
}

// fill caches v under key if key's generation is still gen. Any
// invalidation between the read of gen and the write aborts it.
func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	gk := genKey(key)
	s.rdb.Watch(ctx, func(tx *redis.Tx) error { //nolint:errcheck // a skipped fill is a miss
		cur, err := tx.Get(ctx, gk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, gk)
}

// invalidate drops keys and bumps their generations in one MULTI block.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error { //nolint:errcheck // entries expire after ttl
		for _, key := range keys {
			pipe.Incr(ctx, genKey(key))
			pipe.Expire(ctx, genKey(key), genTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
}

func genKey(key string) string { return "gen:" + key }

func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
func userKey(email string) string     { return fmt.Sprintf("user:%s", email) }
func userBetsKey(email string) string { return fmt.Sprintf("bets:user:%s", email) }

// touchingTx records which cached entities a transaction wrote to.
type touchingTx struct {
	Tx

	mu      sync.Mutex
	markets map[string]struct{}
	users   map[string]struct{}
}

func (t *touchingTx) touchMarket(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.markets == nil {
		t.markets = make(map[string]struct{})
	}
	t.markets[id] = struct{}{}
}

func (t *touchingTx) touchUser(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.users == nil {
		t.users = make(map[string]struct{})
	}
	t.users[email] = struct{}{}
}

func (t *touchingTx) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.markets)+2*len(t.users))
	for id := range t.markets {
		keys = append(keys, marketKey(id))
	}
	for email := range t.users {
		keys = append(keys, userKey(email), userBetsKey(email))
	}
	return keys
}

func (t *touchingTx) Debit(ctx context.Context, email string, amount decimal.Decimal) error {
	t.touchUser(email)
	return t.Tx.Debit(ctx, email, amount)
}

func (t *touchingTx) Credit(ctx context.Context, email string, amount decimal.Decimal) error {
	t.touchUser(email)
	return t.Tx.Credit(ctx, email, amount)
}

func (t *touchingTx) AddToPool(ctx context.Context, marketID string, option model.Option, amount decimal.Decimal) error {
	t.touchMarket(marketID)
	return t.Tx.AddToPool(ctx, marketID, option, amount)
}

func (t *touchingTx) InsertBet(ctx context.Context, b *model.Bet) error {
	t.touchUser(b.UserEmail)
	return t.Tx.InsertBet(ctx, b)
}

func (t *touchingTx) SetResolution(ctx context.Context, marketID string, r model.Resolution, fees model.SettledFees, at time.Time) error {
	t.touchMarket(marketID)
	return t.Tx.SetResolution(ctx, marketID, r, fees, at)
}
