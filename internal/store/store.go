// Package store defines storage interfaces for market bars and finished
// backtest runs, with Parquet, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradelab/internal/domain"
)

// ErrRunNotFound is returned when a run ID has no stored record.
var ErrRunNotFound = errors.New("run not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under market, merging with what is
	// already stored.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within
	// [start, end], sorted by timestamp.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// RunStore persists finished backtest runs.
type RunStore interface {
	// SaveRun stores rec in full. Saving an ID twice is an error.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// GetRun loads a run with its trades and equity curve.
	GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error)

	// ListRuns returns the newest runs first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	Close() error
}

// RunSummary is the headline of a stored run.
type RunSummary struct {
	ID                uuid.UUID
	CreatedAt         time.Time
	Strategies        []string
	Symbol            string
	Market            string
	Start             time.Time
	End               time.Time
	InitialCapital    float64
	FinalEquity       float64
	TotalReturnPct    float64
	SharpeRatio       float64
	SortinoRatio      float64
	OmegaRatio        float64
	MaxDrawdownPct    float64
	WinRate           float64
	ProfitFactor      float64
	TotalTrades       int
	BarsProcessed     int
	MarginCalled      bool
	ProbabilityProfit float64
}

// RunRecord is a stored run in full.
type RunRecord struct {
	RunSummary
	Config domain.BacktestConfig
	Trades []domain.Trade
	Equity []domain.EquityPoint
}

// Validate checks that rec can be stored.
func (rec *RunRecord) Validate() error {
	if rec == nil {
		return errors.New("nil run record")
	}
	if rec.ID == uuid.Nil {
		return fmt.Errorf("run record has no ID")
	}
	return nil
}

// OpenRunStore opens the run store selected by driver: "sqlite" (the
// default when empty) at sqlitePath, or "postgres" at databaseURL.
func OpenRunStore(ctx context.Context, driver, sqlitePath, databaseURL string, log *slog.Logger) (RunStore, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		if dir := filepath.Dir(sqlitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		s, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql", "pgx":
		if databaseURL == "" {
			return nil, errors.New("postgres run store needs a database URL")
		}
		s, err := NewPostgresStore(ctx, databaseURL, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown run store driver %q", driver)
}
