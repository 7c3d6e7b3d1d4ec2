// Package app assembles the ledger components from configuration for the
// server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/wager-engine/internal/config"
	"github.com/atmx/wager-engine/internal/settlement"
	"github.com/atmx/wager-engine/internal/store"
	"github.com/atmx/wager-engine/internal/trade"
)

// Ledger is an opened store with the executor and settlement engine bound to
// it. Close releases the backend's connections.
type Ledger struct {
	Store    store.Store
	Executor *trade.Executor
	Engine   *settlement.Engine
	cleanup  []func()
}

// Close releases the store's connections in reverse order of opening.
func (l *Ledger) Close() {
	for i := len(l.cleanup) - 1; i >= 0; i-- {
		l.cleanup[i]()
	}
}

// OpenLedger connects the backend selected by cfg: Postgres (optionally
// behind Redis) when a database URL is set, SQLite when a path is set, and
// the in-memory store otherwise.
func OpenLedger(ctx context.Context, cfg *config.Config) (*Ledger, error) {
	l := &Ledger{}

	switch {
	case cfg.Store.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		l.cleanup = append(l.cleanup, pool.Close)
		if err := store.RunMigrations(ctx, pool); err != nil {
			l.Close()
			return nil, err
		}
		l.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				l.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			l.cleanup = append(l.cleanup, func() { rdb.Close() })
			l.Store = store.NewCachedStore(l.Store, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
		}

	case cfg.Store.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		l.cleanup = append(l.cleanup, func() { sq.Close() })
		l.Store = sq
		slog.Info("using SQLite store", "path", cfg.Store.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		l.Store = store.NewMemoryStore()
	}

	l.Executor = trade.NewExecutor(l.Store, cfg.Ledger.ThesisMinStake)
	l.Engine = settlement.NewEngine(l.Store, cfg.Fees, cfg.Ledger.HouseAccount)
	return l, nil
}
