package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradelab/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk. It also
// exports stored runs as Parquet for offline analysis.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRecord is the Parquet schema for an exported closed trade.
type TradeRecord struct {
	Ticket     int64   `parquet:"ticket"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	EntryPrice float64 `parquet:"entry_price"`
	ExitPrice  float64 `parquet:"exit_price"`
	EntryTime  int64   `parquet:"entry_time,timestamp(millisecond)"`
	ExitTime   int64   `parquet:"exit_time,timestamp(millisecond)"`
	Size       float64 `parquet:"size"`
	PnL        float64 `parquet:"pnl"`
	Commission float64 `parquet:"commission"`
	ExitReason string  `parquet:"exit_reason"`
}

// EquityRecord is the Parquet schema for an exported equity point.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity    float64 `parquet:"equity"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, market string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		ts := b.Timestamp.UTC()
		k := key{symbol: strings.ToUpper(b.Symbol), year: ts.Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  ts.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, market, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time range.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, market, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	dir := filepath.Join(s.DataDir, market, "bars")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Run export
// ---------------------------------------------------------------------------

// ExportRun writes the trades and equity curve of rec to
//
//	<DataDir>/runs/<ID>/trades.parquet
//	<DataDir>/runs/<ID>/equity.parquet
//
// and returns the run directory.
func (s *ParquetStore) ExportRun(_ context.Context, rec *RunRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.DataDir, "runs", rec.ID.String())

	trades := make([]TradeRecord, len(rec.Trades))
	for i, t := range rec.Trades {
		trades[i] = TradeRecord{
			Ticket:     t.Ticket,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			EntryTime:  t.EntryTime.UnixMilli(),
			ExitTime:   t.ExitTime.UnixMilli(),
			Size:       t.Size,
			PnL:        t.PnL,
			Commission: t.Commission,
			ExitReason: string(t.ExitReason),
		}
	}
	equity := make([]EquityRecord, len(rec.Equity))
	for i, p := range rec.Equity {
		equity[i] = EquityRecord{Timestamp: p.Timestamp.UnixMilli(), Equity: p.Equity}
	}

	if err := writeParquetFile(filepath.Join(dir, "trades.parquet"), trades); err != nil {
		return "", fmt.Errorf("exporting trades: %w", err)
	}
	if err := writeParquetFile(filepath.Join(dir, "equity.parquet"), equity); err != nil {
		return "", fmt.Errorf("exporting equity: %w", err)
	}
	return dir, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, market string, year int) string {
	return filepath.Join(s.DataDir, market, "bars", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
