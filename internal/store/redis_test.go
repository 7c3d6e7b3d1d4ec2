package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/wager-engine/internal/model"
	"github.com/atmx/wager-engine/internal/store"
)

// liveRedis connects to the Redis named by WAGER_TEST_REDIS_ADDR and empties
// its test database.
func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("WAGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WAGER_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return rdb
}

// pausedReads holds GetMarket between reading the primary and returning, so
// a commit can land in that window.
type pausedReads struct {
	store.Store
	read    chan struct{}
	release chan struct{}
}

func (p *pausedReads) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := p.Store.GetMarket(ctx, id)
	if p.read != nil {
		close(p.read)
		<-p.release
		p.read = nil
	}
	return m, err
}

func TestCachedStore_ReadRacingCommitIsNotCached(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()

	primary := &pausedReads{Store: store.NewMemoryStore()}
	cs := store.NewCachedStore(primary, rdb, time.Minute)
	seed(t, cs)

	primary.read = make(chan struct{})
	primary.release = make(chan struct{})
	read := primary.read

	type result struct {
		m   *model.Market
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := cs.GetMarket(ctx, "m1")
		done <- result{m, err}
	}()

	<-read
	require.NoError(t, cs.Atomically(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AddToPool(ctx, "m1", model.OptionA, d("50"))
	}))
	close(primary.release)

	stale := <-done
	require.NoError(t, stale.err)
	assert.True(t, stale.m.PoolA.IsZero(), "the racing read saw %s", stale.m.PoolA)

	m, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.PoolA.Equal(d("50")), "cached pool = %s", m.PoolA)
}

func TestCachedStore_FillsAndInvalidates(t *testing.T) {
	rdb := liveRedis(t)
	ctx := context.Background()

	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)
	seed(t, cs)

	_, err := cs.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	n, err := rdb.Exists(ctx, "user:alice@example.com").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a miss should fill the cache")

	_, err = cs.Deposit(ctx, "alice@example.com", d("5"))
	require.NoError(t, err)
	n, err = rdb.Exists(ctx, "user:alice@example.com").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "a write should drop the entry")

	u, err := cs.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(d("105")), "balance = %s", u.Balance)
}
