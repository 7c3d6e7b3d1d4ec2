package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/wager-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
    email         TEXT PRIMARY KEY,
    nickname      TEXT UNIQUE,
    balance       TEXT    NOT NULL DEFAULT '0',
    is_admin      INTEGER NOT NULL DEFAULT 0,
    password_hash TEXT    NOT NULL DEFAULT '',
    created_at    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id            TEXT PRIMARY KEY,
    question      TEXT    NOT NULL,
    option_a      TEXT    NOT NULL,
    option_b      TEXT    NOT NULL,
    pool_a        TEXT    NOT NULL DEFAULT '0',
    pool_b        TEXT    NOT NULL DEFAULT '0',
    resolution    TEXT    NOT NULL DEFAULT 'unresolved',
    creator_email TEXT    NOT NULL DEFAULT '',
    approved      INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT    NOT NULL,
    resolved_at   TEXT,
    settled_fee_rate     TEXT NOT NULL DEFAULT '0',
    settled_creator_rate TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS bets (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    user_email TEXT NOT NULL REFERENCES users(email),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    option     TEXT NOT NULL CHECK (option IN ('A', 'B')),
    stake      TEXT NOT NULL,
    placed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bets_user   ON bets(user_email, placed_at DESC);
CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id, seq);

CREATE TABLE IF NOT EXISTS theses (
    bet_id     TEXT PRIMARY KEY REFERENCES bets(id),
    body       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`

// sqliteTime is fixed-width so that text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on an embedded SQLite file (pure Go, no CGo).
// Amounts are stored as decimal text and all arithmetic happens in Go. The
// pool is limited to one connection, which serializes transactions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if err := sqliteUpgrade(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteAddedColumns are columns introduced after the first schema. Files
// created earlier get them added on open.
var sqliteAddedColumns = []struct{ table, column, def string }{
	{"markets", "settled_fee_rate", "TEXT NOT NULL DEFAULT '0'"},
	{"markets", "settled_creator_rate", "TEXT NOT NULL DEFAULT '0'"},
}

func sqliteUpgrade(db *sql.DB) error {
	for _, c := range sqliteAddedColumns {
		var n int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.column).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect %s.%s: %w", c.table, c.column, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, c.table, c.column, c.def)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, nickname, balance, is_admin, password_hash, created_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`,
		u.Email, u.Nickname, u.Balance.StringFixed(model.AmountScale), u.IsAdmin, u.PasswordHash,
		formatTime(u.CreatedAt),
	)
	return sqliteError("create user", err)
}

func (s *SQLiteStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	return sqliteGetUser(ctx, s.db, email)
}

func (s *SQLiteStore) Deposit(ctx context.Context, email string, amount decimal.Decimal) (*model.User, error) {
	return deposit(ctx, s, email, amount)
}

func sqliteGetUser(ctx context.Context, q sqlQuerier, email string) (*model.User, error) {
	var u model.User
	var balance, createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT email, COALESCE(nickname, ''), balance, is_admin, password_hash, created_at
		 FROM users WHERE email = ?`, email).
		Scan(&u.Email, &u.Nickname, &balance, &u.IsAdmin, &u.PasswordHash, &createdAt)
	if err != nil {
		return nil, sqliteError("get user "+email, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// --- Markets ---

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markets (id, question, option_a, option_b, pool_a, pool_b,
		                      resolution, creator_email, approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, m.OptionA, m.OptionB,
		m.PoolA.StringFixed(model.AmountScale), m.PoolB.StringFixed(model.AmountScale),
		string(m.Resolution), m.CreatorEmail, m.Approved, formatTime(m.CreatedAt),
	)
	return sqliteError("create market", err)
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return sqliteGetMarket(ctx, s.db, id)
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, sqliteError("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := sqliteScanMarket(rows)
		if err != nil {
			return nil, sqliteError("list markets", err)
		}
		markets = append(markets, *m)
	}
	return markets, sqliteError("list markets", rows.Err())
}

const sqliteMarketColumns = `id, question, option_a, option_b, pool_a, pool_b,
	resolution, creator_email, approved, created_at, resolved_at,
	settled_fee_rate, settled_creator_rate`

func sqliteGetMarket(ctx context.Context, q sqlQuerier, id string) (*model.Market, error) {
	m, err := sqliteScanMarket(q.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteError("get market "+id, err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteScanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var poolA, poolB, resolution, createdAt, feeRate, creatorRate string
	var resolvedAt sql.NullString
	if err := row.Scan(&m.ID, &m.Question, &m.OptionA, &m.OptionB,
		&poolA, &poolB, &resolution, &m.CreatorEmail, &m.Approved,
		&createdAt, &resolvedAt, &feeRate, &creatorRate); err != nil {
		return nil, err
	}
	m.PoolA, _ = decimal.NewFromString(poolA)
	m.PoolB, _ = decimal.NewFromString(poolB)
	m.Settled.Rate, _ = decimal.NewFromString(feeRate)
	m.Settled.CreatorRate, _ = decimal.NewFromString(creatorRate)
	m.Resolution = model.Resolution(resolution)
	m.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		m.ResolvedAt = &t
	}
	return &m, nil
}

// --- Bets ---

const sqliteBetSelect = `SELECT b.id, b.user_email, b.market_id, b.option, b.stake, b.placed_at,
	COALESCE(t.body, '')
	FROM bets b LEFT JOIN theses t ON t.bet_id = b.id`

func (s *SQLiteStore) ListBetsByUser(ctx context.Context, email string) ([]model.Bet, error) {
	return sqliteQueryBets(ctx, s.db, "list bets by user",
		sqliteBetSelect+` WHERE b.user_email = ? ORDER BY b.placed_at DESC, b.seq DESC`, email)
}

func (s *SQLiteStore) ListBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return sqliteQueryBets(ctx, s.db, "list bets by market",
		sqliteBetSelect+` WHERE b.market_id = ? ORDER BY b.seq`, marketID)
}

func sqliteQueryBets(ctx context.Context, q sqlQuerier, op, query, arg string) ([]model.Bet, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, sqliteError(op, err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var option, stake, placedAt string
		if err := rows.Scan(&b.ID, &b.UserEmail, &b.MarketID, &option, &stake,
			&placedAt, &b.Thesis); err != nil {
			return nil, sqliteError(op, err)
		}
		b.Option = model.Option(option)
		b.Stake, _ = decimal.NewFromString(stake)
		b.PlacedAt = parseTime(placedAt)
		bets = append(bets, b)
	}
	return bets, sqliteError(op, rows.Err())
}

// --- Transactions ---

func (s *SQLiteStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapStore("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.WrapStore("commit", err)
	}
	return nil
}

// sqliteTx implements Tx. The single connection already excludes every other
// transaction, so the Lock methods are plain reads.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return sqliteGetMarket(ctx, t.tx, id)
}

func (t *sqliteTx) LockUser(ctx context.Context, email string) (*model.User, error) {
	return sqliteGetUser(ctx, t.tx, email)
}

func (t *sqliteTx) Debit(ctx context.Context, email string, amount decimal.Decimal) error {
	u, err := sqliteGetUser(ctx, t.tx, email)
	if err != nil {
		return err
	}
	next := u.Balance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, debit %s", model.ErrInsufficientFunds, u.Balance, amount)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE email = ?`,
		next.StringFixed(model.AmountScale), email)
	return sqliteError("debit "+email, err)
}

func (t *sqliteTx) Credit(ctx context.Context, email string, amount decimal.Decimal) error {
	u, err := sqliteGetUser(ctx, t.tx, email)
	switch {
	case errors.Is(err, model.ErrNotFound):
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO users (email, balance, created_at) VALUES (?, ?, ?)`,
			email, amount.StringFixed(model.AmountScale), formatTime(time.Now()))
		return sqliteError("credit "+email, err)
	case err != nil:
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE email = ?`,
		u.Balance.Add(amount).StringFixed(model.AmountScale), email)
	return sqliteError("credit "+email, err)
}

func (t *sqliteTx) AddToPool(ctx context.Context, marketID string, option model.Option, amount decimal.Decimal) error {
	m, err := sqliteGetMarket(ctx, t.tx, marketID)
	if err != nil {
		return err
	}
	column, next := "pool_a", m.PoolA.Add(amount)
	if option == model.OptionB {
		column, next = "pool_b", m.PoolB.Add(amount)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE markets SET `+column+` = ? WHERE id = ?`,
		next.StringFixed(model.AmountScale), marketID)
	return sqliteError("add to pool "+marketID, err)
}

func (t *sqliteTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bets (id, user_email, market_id, option, stake, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserEmail, b.MarketID, string(b.Option),
		b.Stake.StringFixed(model.AmountScale), formatTime(b.PlacedAt))
	return sqliteError("insert bet", err)
}

func (t *sqliteTx) InsertThesis(ctx context.Context, th *model.Thesis) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO theses (bet_id, body, created_at) VALUES (?, ?, ?)`,
		th.BetID, th.Body, formatTime(th.CreatedAt))
	return sqliteError("insert thesis", err)
}

func (t *sqliteTx) BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return sqliteQueryBets(ctx, t.tx, "bets for market",
		sqliteBetSelect+` WHERE b.market_id = ? ORDER BY b.seq`, marketID)
}

func (t *sqliteTx) SetResolution(ctx context.Context, marketID string, r model.Resolution, fees model.SettledFees, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE markets SET resolution = ?, resolved_at = ?,
		        settled_fee_rate = ?, settled_creator_rate = ?
		 WHERE id = ?`,
		string(r), formatTime(at), fees.Rate.String(), fees.CreatorRate.String(), marketID)
	if err != nil {
		return sqliteError("set resolution "+marketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, marketID)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTime, s)
	return t
}

func sqliteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, op)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", model.ErrAlreadyExists, op)
		}
	}
	return model.WrapStore(op, err)
}
