package gather

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradelab/internal/domain"
	"tradelab/internal/store"
	"tradelab/internal/util"
)

var _ Gatherer = (*CSVImporter)(nil)

// column aliases accepted in CSV headers, matched case-insensitively.
var csvColumns = map[string][]string{
	"timestamp": {"timestamp", "time", "date", "datetime", "open_time", "ts"},
	"symbol":    {"symbol", "ticker"},
	"open":      {"open", "o"},
	"high":      {"high", "h"},
	"low":       {"low", "l"},
	"close":     {"close", "c", "adj_close"},
	"volume":    {"volume", "vol", "v"},
	"trades":    {"trades", "trade_count", "count", "n"},
	"vwap":      {"vwap", "vw"},
}

var csvTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
	"2006/01/02",
}

// CSVOptions configures a CSVImporter.
type CSVOptions struct {
	Paths  []string
	Market string
	// Symbol is used for files without a symbol column.
	Symbol string
}

// CSVImporter loads OHLCV bars from CSV files into the bar store.
type CSVImporter struct {
	paths  []string
	market string
	symbol string
	store  store.BarStore
	log    *slog.Logger
}

// NewCSVImporter creates a CSVImporter writing to s.
func NewCSVImporter(opts CSVOptions, s store.BarStore, log *slog.Logger) *CSVImporter {
	market := opts.Market
	if market == "" {
		market = "us"
	}
	return &CSVImporter{
		paths:  opts.Paths,
		market: market,
		symbol: strings.ToUpper(strings.TrimSpace(opts.Symbol)),
		store:  s,
		log:    util.OrDiscard(log).With("gatherer", "csv"),
	}
}

// Name returns the gatherer identifier.
func (c *CSVImporter) Name() string { return "csv" }

// Run imports every configured file.
func (c *CSVImporter) Run(ctx context.Context) error {
	var total int
	for _, path := range c.paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		bars, err := ParseCSVBars(f, c.symbol)
		f.Close()
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		if err := c.store.WriteBars(ctx, c.market, bars); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		total += len(bars)
		c.log.Info("file imported", "path", path, "bars", len(bars))
	}
	c.log.Info("complete", "files", len(c.paths), "bars", total)
	return nil
}

// ParseCSVBars reads bars from r. The first row must be a header naming at
// least timestamp, open, high, low and close columns. When the file has no
// symbol column every row is attributed to symbol. The result is sorted by
// timestamp with later duplicates of the same symbol and timestamp
// dropped.
func ParseCSVBars(r io.Reader, symbol string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty csv")
		}
		return nil, err
	}
	cols := indexColumns(header)
	for _, required := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %s column", required)
		}
	}
	if _, ok := cols["symbol"]; !ok && symbol == "" {
		return nil, errors.New("no symbol column and no symbol given")
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		bar, err := csvRecordToBar(rec, cols, symbol)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	out := bars[:0]
	seen := make(map[string]time.Time)
	for _, b := range bars {
		if last, ok := seen[b.Symbol]; ok && last.Equal(b.Timestamp) {
			continue
		}
		seen[b.Symbol] = b.Timestamp
		out = append(out, b)
	}
	return out, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int)
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for field, aliases := range csvColumns {
			if _, done := cols[field]; done {
				continue
			}
			for _, a := range aliases {
				if h == a {
					cols[field] = i
				}
			}
		}
	}
	return cols
}

func csvRecordToBar(rec []string, cols map[string]int, symbol string) (domain.Bar, error) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return strings.TrimSpace(rec[i]), true
	}
	number := func(name string) (float64, error) {
		raw, ok := field(name)
		if !ok || raw == "" {
			return 0, nil
		}
		v, err := parseNumber(raw)
		if err != nil {
			return 0, fmt.Errorf("%s %q: %w", name, raw, err)
		}
		return v, nil
	}

	bar := domain.Bar{Symbol: symbol}
	if s, ok := field("symbol"); ok && s != "" {
		bar.Symbol = strings.ToUpper(s)
	}
	if bar.Symbol == "" {
		return bar, errors.New("empty symbol")
	}

	raw, _ := field("timestamp")
	ts, err := parseTimestamp(raw)
	if err != nil {
		return bar, err
	}
	bar.Timestamp = ts

	if bar.Open, err = number("open"); err != nil {
		return bar, err
	}
	if bar.High, err = number("high"); err != nil {
		return bar, err
	}
	if bar.Low, err = number("low"); err != nil {
		return bar, err
	}
	if bar.Close, err = number("close"); err != nil {
		return bar, err
	}
	if bar.Volume, err = number("volume"); err != nil {
		return bar, err
	}
	if bar.VWAP, err = number("vwap"); err != nil {
		return bar, err
	}
	trades, err := number("trades")
	if err != nil {
		return bar, err
	}
	bar.TradeCount = int64(trades)

	if bar.Close <= 0 || bar.High < bar.Low {
		return bar, fmt.Errorf("malformed bar at %s", ts.Format(time.RFC3339))
	}
	return bar, nil
}

// parseTimestamp accepts the layouts in csvTimeLayouts or a unix epoch in
// seconds or milliseconds. Zone-less values are taken as UTC.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range csvTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
