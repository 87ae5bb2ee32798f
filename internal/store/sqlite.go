package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradelab/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	created_at         INTEGER NOT NULL,
	strategies         TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	market             TEXT NOT NULL,
	start_time         INTEGER NOT NULL,
	end_time           INTEGER NOT NULL,
	initial_capital    REAL NOT NULL,
	final_equity       REAL NOT NULL,
	total_return_pct   REAL NOT NULL,
	sharpe_ratio       REAL NOT NULL,
	sortino_ratio      REAL NOT NULL,
	omega_ratio        REAL,
	max_drawdown_pct   REAL NOT NULL,
	win_rate           REAL NOT NULL,
	profit_factor      REAL NOT NULL,
	total_trades       INTEGER NOT NULL,
	bars_processed     INTEGER NOT NULL,
	margin_called      INTEGER NOT NULL,
	probability_profit REAL NOT NULL,
	config             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs (created_at);

CREATE TABLE IF NOT EXISTS run_trades (
	run_id      TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	ticket      INTEGER NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price REAL NOT NULL,
	exit_price  REAL NOT NULL,
	entry_time  INTEGER NOT NULL,
	exit_time   INTEGER NOT NULL,
	size        REAL NOT NULL,
	pnl         REAL NOT NULL,
	commission  REAL NOT NULL,
	exit_reason TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_equity (
	run_id TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	ts     INTEGER NOT NULL,
	equity REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore implements RunStore backed by a SQLite database. Timestamps
// are stored as UTC Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writers serialised and the foreign_keys
	// pragma in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts the run, its trades and its equity curve in one
// transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	cfg, err := encodeConfig(rec.Config)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, created_at, strategies, symbol, market, start_time, end_time,
			initial_capital, final_equity, total_return_pct, sharpe_ratio,
			sortino_ratio, omega_ratio, max_drawdown_pct, win_rate, profit_factor,
			total_trades, bars_processed, margin_called, probability_profit, config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.CreatedAt.UnixNano(),
		joinNames(rec.Strategies),
		rec.Symbol,
		rec.Market,
		rec.Start.UnixNano(),
		rec.End.UnixNano(),
		rec.InitialCapital,
		rec.FinalEquity,
		rec.TotalReturnPct,
		rec.SharpeRatio,
		rec.SortinoRatio,
		finite(rec.OmegaRatio),
		rec.MaxDrawdownPct,
		rec.WinRate,
		rec.ProfitFactor,
		rec.TotalTrades,
		rec.BarsProcessed,
		rec.MarginCalled,
		rec.ProbabilityProfit,
		cfg,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.ID, err)
	}

	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_trades (
			run_id, seq, ticket, symbol, side, entry_price, exit_price,
			entry_time, exit_time, size, pnl, commission, exit_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()
	for i, t := range rec.Trades {
		_, err := tradeStmt.ExecContext(ctx,
			rec.ID.String(), i, t.Ticket, t.Symbol, string(t.Side),
			t.EntryPrice, t.ExitPrice, t.EntryTime.UnixNano(), t.ExitTime.UnixNano(),
			t.Size, t.PnL, t.Commission, string(t.ExitReason),
		)
		if err != nil {
			return fmt.Errorf("inserting trade %d: %w", t.Ticket, err)
		}
	}

	equityStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_equity (run_id, seq, ts, equity) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer equityStmt.Close()
	for i, p := range rec.Equity {
		if _, err := equityStmt.ExecContext(ctx, rec.ID.String(), i, p.Timestamp.UnixNano(), p.Equity); err != nil {
			return fmt.Errorf("inserting equity point %d: %w", i, err)
		}
	}

	return tx.Commit()
}

const sqliteSummaryColumns = `
	id, created_at, strategies, symbol, market, start_time, end_time,
	initial_capital, final_equity, total_return_pct, sharpe_ratio,
	sortino_ratio, omega_ratio, max_drawdown_pct, win_rate, profit_factor,
	total_trades, bars_processed, margin_called, probability_profit`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSummary(row rowScanner, extra ...any) (RunSummary, error) {
	var (
		sum                     RunSummary
		id, names               string
		created, startNs, endNs int64
		omega                   sql.NullFloat64
	)
	dest := []any{
		&id, &created, &names, &sum.Symbol, &sum.Market, &startNs, &endNs,
		&sum.InitialCapital, &sum.FinalEquity, &sum.TotalReturnPct, &sum.SharpeRatio,
		&sum.SortinoRatio, &omega, &sum.MaxDrawdownPct, &sum.WinRate, &sum.ProfitFactor,
		&sum.TotalTrades, &sum.BarsProcessed, &sum.MarginCalled, &sum.ProbabilityProfit,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return sum, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return sum, fmt.Errorf("stored run id %q: %w", id, err)
	}
	sum.ID = parsed
	sum.CreatedAt = time.Unix(0, created).UTC()
	sum.Strategies = splitNames(names)
	sum.Start = time.Unix(0, startNs).UTC()
	sum.End = time.Unix(0, endNs).UTC()
	if omega.Valid {
		sum.OmegaRatio = omega.Float64
	} else {
		sum.OmegaRatio = unboundedRatio(nil)
	}
	return sum, nil
}

// GetRun loads a run with its trades and equity curve.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	var cfg []byte
	row := s.db.QueryRowContext(ctx, `SELECT`+sqliteSummaryColumns+`, config FROM runs WHERE id = ?`, id.String())
	sum, err := scanSQLiteSummary(row, &cfg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}

	rec := &RunRecord{RunSummary: sum}
	if rec.Config, err = decodeConfig(cfg); err != nil {
		return nil, err
	}
	if rec.Trades, err = s.loadTrades(ctx, id); err != nil {
		return nil, err
	}
	if rec.Equity, err = s.loadEquity(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) loadTrades(ctx context.Context, id uuid.UUID) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket, symbol, side, entry_price, exit_price, entry_time,
		       exit_time, size, pnl, commission, exit_reason
		FROM run_trades
		WHERE run_id = ?
		ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t               domain.Trade
			side, reason    string
			entryNs, exitNs int64
		)
		if err := rows.Scan(&t.Ticket, &t.Symbol, &side, &t.EntryPrice, &t.ExitPrice,
			&entryNs, &exitNs, &t.Size, &t.PnL, &t.Commission, &reason); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.EntryTime = time.Unix(0, entryNs).UTC()
		t.ExitTime = time.Unix(0, exitNs).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) loadEquity(ctx context.Context, id uuid.UUID) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity FROM run_equity WHERE run_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("querying equity: %w", err)
	}
	defer rows.Close()

	var points []domain.EquityPoint
	for rows.Next() {
		var (
			ns int64
			p  domain.EquityPoint
		)
		if err := rows.Scan(&ns, &p.Equity); err != nil {
			return nil, fmt.Errorf("scanning equity point: %w", err)
		}
		p.Timestamp = time.Unix(0, ns).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListRuns returns the newest runs first. A non-positive limit returns all
// runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+sqliteSummaryColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanSQLiteSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
