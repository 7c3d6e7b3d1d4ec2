package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wager-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(18,2) and exchanged as text for
// exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	userColumns = `email, COALESCE(nickname, ''), balance::TEXT, is_admin, password_hash, created_at`

	marketColumns = `id, question, option_a, option_b, pool_a::TEXT, pool_b::TEXT,
		resolution, creator_email, approved, created_at, resolved_at,
		settled_fee_rate::TEXT, settled_creator_rate::TEXT`

	betColumns = `b.id, b.user_email, b.market_id, b.option, b.stake::TEXT, b.placed_at,
		COALESCE(t.body, '')`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (email, nickname, balance, is_admin, password_hash, created_at)
		 VALUES ($1, NULLIF($2, ''), $3::NUMERIC, $4, $5, $6)`,
		u.Email, u.Nickname, u.Balance.String(), u.IsAdmin, u.PasswordHash, u.CreatedAt,
	)
	return pgError("create user", err)
}

func (s *PostgresStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	return getUser(ctx, s.pool, email, "")
}

func (s *PostgresStore) Deposit(ctx context.Context, email string, amount decimal.Decimal) (*model.User, error) {
	return deposit(ctx, s, email, amount)
}

func getUser(ctx context.Context, q querier, email, suffix string) (*model.User, error) {
	var u model.User
	var balance string
	err := q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`+suffix, email).
		Scan(&u.Email, &u.Nickname, &balance, &u.IsAdmin, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, pgError("get user "+email, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, option_a, option_b, pool_a, pool_b,
		                      resolution, creator_email, approved, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		m.ID, m.Question, m.OptionA, m.OptionB,
		m.PoolA.String(), m.PoolB.String(),
		string(m.Resolution), m.CreatorEmail, m.Approved, m.CreatedAt,
	)
	return pgError("create market", err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, pgError("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, pgError("list markets", err)
		}
		markets = append(markets, *m)
	}
	return markets, pgError("list markets", rows.Err())
}

func getMarket(ctx context.Context, q querier, id, suffix string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`+suffix, id))
	if err != nil {
		return nil, pgError("get market "+id, err)
	}
	return m, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var poolA, poolB, resolution, feeRate, creatorRate string
	if err := row.Scan(&m.ID, &m.Question, &m.OptionA, &m.OptionB,
		&poolA, &poolB, &resolution, &m.CreatorEmail, &m.Approved,
		&m.CreatedAt, &m.ResolvedAt, &feeRate, &creatorRate); err != nil {
		return nil, err
	}
	m.PoolA, _ = decimal.NewFromString(poolA)
	m.PoolB, _ = decimal.NewFromString(poolB)
	m.Settled.Rate, _ = decimal.NewFromString(feeRate)
	m.Settled.CreatorRate, _ = decimal.NewFromString(creatorRate)
	m.Resolution = model.Resolution(resolution)
	return &m, nil
}

// --- Bets ---

func (s *PostgresStore) ListBetsByUser(ctx context.Context, email string) ([]model.Bet, error) {
	return queryBets(ctx, s.pool, "list bets by user",
		`SELECT `+betColumns+`
		 FROM bets b LEFT JOIN theses t ON t.bet_id = b.id
		 WHERE b.user_email = $1 ORDER BY b.placed_at DESC, b.seq DESC`, email)
}

func (s *PostgresStore) ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return queryBets(ctx, s.pool, "list bets by market", betsByMarketSQL, marketID)
}

const betsByMarketSQL = `SELECT ` + betColumns + `
	FROM bets b LEFT JOIN theses t ON t.bet_id = b.id
	WHERE b.market_id = $1 ORDER BY b.seq`

func queryBets(ctx context.Context, q querier, op, sql string, arg string) ([]model.Bet, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, pgError(op, err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var option, stake string
		if err := rows.Scan(&b.ID, &b.UserEmail, &b.MarketID, &option, &stake,
			&b.PlacedAt, &b.Thesis); err != nil {
			return nil, pgError(op, err)
		}
		b.Option = model.Option(option)
		b.Stake, _ = decimal.NewFromString(stake)
		bets = append(bets, b)
	}
	return bets, pgError(op, rows.Err())
}

// --- Transactions ---

func (s *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return model.WrapStore("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WrapStore("commit", err)
	}
	return nil
}

// pgTx implements Tx on a pgx transaction. Locks are row-level FOR UPDATE.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) LockUser(ctx context.Context, email string) (*model.User, error) {
	return getUser(ctx, t.tx, email, " FOR UPDATE")
}

func (t *pgTx) Debit(ctx context.Context, email string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC WHERE email = $1`,
		email, amount.String())
	if err != nil {
		return pgError("debit "+email, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", model.ErrNotFound, email)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, email string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (email, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (email) DO UPDATE SET balance = users.balance + EXCLUDED.balance`,
		email, amount.String())
	return pgError("credit "+email, err)
}

func (t *pgTx) AddToPool(ctx context.Context, marketID string, option model.Option, amount decimal.Decimal) error {
	column := "pool_a"
	if option == model.OptionB {
		column = "pool_b"
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET `+column+` = `+column+` + $2::NUMERIC WHERE id = $1`,
		marketID, amount.String())
	if err != nil {
		return pgError("add to pool "+marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	return nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bets (id, user_email, market_id, option, stake, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		b.ID, b.UserEmail, b.MarketID, string(b.Option), b.Stake.String(), b.PlacedAt)
	return pgError("insert bet", err)
}

func (t *pgTx) InsertThesis(ctx context.Context, th *model.Thesis) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO theses (bet_id, body, created_at) VALUES ($1, $2, $3)`,
		th.BetID, th.Body, th.CreatedAt)
	return pgError("insert thesis", err)
}

func (t *pgTx) BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return queryBets(ctx, t.tx, "bets for market", betsByMarketSQL, marketID)
}

func (t *pgTx) SetResolution(ctx context.Context, marketID string, r model.Resolution, fees model.SettledFees, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET resolution = $2, resolved_at = $3,
		        settled_fee_rate = $4::NUMERIC, settled_creator_rate = $5::NUMERIC
		 WHERE id = $1`,
		marketID, string(r), at, fees.Rate.String(), fees.CreatorRate.String())
	if err != nil {
		return pgError("set resolution "+marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	return nil
}

// pgError maps driver errors onto the domain taxonomy: missing rows become
// ErrNotFound, unique violations ErrAlreadyExists and a failed non-negative
// balance check ErrInsufficientFunds. Anything else is a StoreError.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, op)
		case "23514":
			if pgErr.ConstraintName == "users_balance_check" {
				return fmt.Errorf("%w: %s", model.ErrInsufficientFunds, op)
			}
		}
	}
	return model.WrapStore(op, err)
}
