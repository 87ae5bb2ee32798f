package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradelab/internal/domain"
	"tradelab/internal/util"
)

// Compile-time interface check.
var _ RunStore = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 UUID PRIMARY KEY,
	created_at         TIMESTAMPTZ NOT NULL,
	strategies         TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	market             TEXT NOT NULL,
	start_time         TIMESTAMPTZ NOT NULL,
	end_time           TIMESTAMPTZ NOT NULL,
	initial_capital    DOUBLE PRECISION NOT NULL,
	final_equity       DOUBLE PRECISION NOT NULL,
	total_return_pct   DOUBLE PRECISION NOT NULL,
	sharpe_ratio       DOUBLE PRECISION NOT NULL,
	sortino_ratio      DOUBLE PRECISION NOT NULL,
	omega_ratio        DOUBLE PRECISION,
	max_drawdown_pct   DOUBLE PRECISION NOT NULL,
	win_rate           DOUBLE PRECISION NOT NULL,
	profit_factor      DOUBLE PRECISION NOT NULL,
	total_trades       INTEGER NOT NULL,
	bars_processed     INTEGER NOT NULL,
	margin_called      BOOLEAN NOT NULL,
	probability_profit DOUBLE PRECISION NOT NULL,
	config             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created_at ON runs (created_at DESC);

CREATE TABLE IF NOT EXISTS run_trades (
	run_id      UUID NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	ticket      BIGINT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ NOT NULL,
	size        DOUBLE PRECISION NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	commission  DOUBLE PRECISION NOT NULL,
	exit_reason TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_equity (
	run_id UUID NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	ts     TIMESTAMPTZ NOT NULL,
	equity DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// PostgresStore implements RunStore on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects to databaseURL, verifies the connection and
// applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, log *slog.Logger) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	log = util.OrDiscard(log).With("component", "postgres")

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	log.Info("connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &PostgresStore{pool: pool, log: log}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveRun inserts the run and its trades in one transaction and bulk-loads
// the equity curve with COPY.
func (s *PostgresStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	cfg, err := encodeConfig(rec.Config)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (
			id, created_at, strategies, symbol, market, start_time, end_time,
			initial_capital, final_equity, total_return_pct, sharpe_ratio,
			sortino_ratio, omega_ratio, max_drawdown_pct, win_rate, profit_factor,
			total_trades, bars_processed, margin_called, probability_profit, config
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)`,
		rec.ID,
		rec.CreatedAt,
		joinNames(rec.Strategies),
		rec.Symbol,
		rec.Market,
		rec.Start,
		rec.End,
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

	batch := &pgx.Batch{}
	for i, t := range rec.Trades {
		batch.Queue(`
			INSERT INTO run_trades (
				run_id, seq, ticket, symbol, side, entry_price, exit_price,
				entry_time, exit_time, size, pnl, commission, exit_reason
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			rec.ID, i, t.Ticket, t.Symbol, string(t.Side), t.EntryPrice, t.ExitPrice,
			t.EntryTime, t.ExitTime, t.Size, t.PnL, t.Commission, string(t.ExitReason),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting trades: %w", err)
		}
	}

	rows := make([][]any, len(rec.Equity))
	for i, p := range rec.Equity {
		rows[i] = []any{rec.ID, i, p.Timestamp, p.Equity}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"run_equity"},
		[]string{"run_id", "seq", "ts", "equity"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copying equity curve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Debug("run saved", "id", rec.ID, "trades", len(rec.Trades), "equity_points", len(rec.Equity))
	return nil
}

const postgresSummaryColumns = `
	id, created_at, strategies, symbol, market, start_time, end_time,
	initial_capital, final_equity, total_return_pct, sharpe_ratio,
	sortino_ratio, omega_ratio, max_drawdown_pct, win_rate, profit_factor,
	total_trades, bars_processed, margin_called, probability_profit`

func scanPostgresSummary(row pgx.Row, extra ...any) (RunSummary, error) {
	var (
		sum   RunSummary
		names string
		omega *float64
	)
	dest := []any{
		&sum.ID, &sum.CreatedAt, &names, &sum.Symbol, &sum.Market, &sum.Start, &sum.End,
		&sum.InitialCapital, &sum.FinalEquity, &sum.TotalReturnPct, &sum.SharpeRatio,
		&sum.SortinoRatio, &omega, &sum.MaxDrawdownPct, &sum.WinRate, &sum.ProfitFactor,
		&sum.TotalTrades, &sum.BarsProcessed, &sum.MarginCalled, &sum.ProbabilityProfit,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return sum, err
	}
	sum.Strategies = splitNames(names)
	sum.OmegaRatio = unboundedRatio(omega)
	sum.CreatedAt = sum.CreatedAt.UTC()
	sum.Start = sum.Start.UTC()
	sum.End = sum.End.UTC()
	return sum, nil
}

// GetRun loads a run with its trades and equity curve.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	var cfg []byte
	row := s.pool.QueryRow(ctx, `SELECT`+postgresSummaryColumns+`, config FROM runs WHERE id = $1`, id)
	sum, err := scanPostgresSummary(row, &cfg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}

	rec := &RunRecord{RunSummary: sum}
	if rec.Config, err = decodeConfig(cfg); err != nil {
		return nil, err
	}

	trades, err := s.pool.Query(ctx, `
		SELECT ticket, symbol, side, entry_price, exit_price, entry_time,
		       exit_time, size, pnl, commission, exit_reason
		FROM run_trades
		WHERE run_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	rec.Trades, err = pgx.CollectRows(trades, func(row pgx.CollectableRow) (domain.Trade, error) {
		var (
			t            domain.Trade
			side, reason string
		)
		err := row.Scan(&t.Ticket, &t.Symbol, &side, &t.EntryPrice, &t.ExitPrice,
			&t.EntryTime, &t.ExitTime, &t.Size, &t.PnL, &t.Commission, &reason)
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.EntryTime = t.EntryTime.UTC()
		t.ExitTime = t.ExitTime.UTC()
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning trades: %w", err)
	}

	equity, err := s.pool.Query(ctx,
		`SELECT ts, equity FROM run_equity WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("querying equity: %w", err)
	}
	rec.Equity, err = pgx.CollectRows(equity, func(row pgx.CollectableRow) (domain.EquityPoint, error) {
		var p domain.EquityPoint
		err := row.Scan(&p.Timestamp, &p.Equity)
		p.Timestamp = p.Timestamp.UTC()
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning equity: %w", err)
	}
	return rec, nil
}

// ListRuns returns the newest runs first. A non-positive limit returns all
// runs.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+postgresSummaryColumns+` FROM runs ORDER BY created_at DESC, id LIMIT $1`, limitArg)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunSummary, error) {
		return scanPostgresSummary(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scanning runs: %w", err)
	}
	return out, nil
}
