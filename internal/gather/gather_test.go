package gather

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradelab/internal/domain"
)

type memBarStore struct {
	mu     sync.Mutex
	writes int
	bars   map[string][]domain.Bar // keyed by market
}

func newMemBarStore() *memBarStore {
	return &memBarStore{bars: make(map[string][]domain.Bar)}
}

func (m *memBarStore) WriteBars(_ context.Context, market string, bars []domain.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.bars[market] = append(m.bars[market], bars...)
	return nil
}

func (m *memBarStore) ReadBars(_ context.Context, symbol, market string, start, end time.Time) ([]domain.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bar
	for _, b := range m.bars[market] {
		if b.Symbol == symbol && !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBarStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	return nil, nil
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("ParseDateRange: %v", err)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !r.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", r.Start, want)
	}
	if last := time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC); r.End.Before(last) {
		t.Errorf("End = %v, want the end date included", r.End)
	}

	open, err := ParseDateRange("2024-01-01", "")
	if err != nil {
		t.Fatalf("ParseDateRange open end: %v", err)
	}
	if time.Since(open.End) > time.Minute {
		t.Errorf("open End = %v, want roughly now", open.End)
	}

	for _, tc := range [][2]string{{"bad", ""}, {"2024-01-01", "bad"}, {"2024-02-01", "2024-01-01"}} {
		if _, err := ParseDateRange(tc[0], tc[1]); err == nil {
			t.Errorf("ParseDateRange(%q, %q) = nil error", tc[0], tc[1])
		}
	}
}

func TestParseAlpacaTimeFrame(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		unit marketdata.TimeFrameUnit
	}{
		{"1Day", 1, marketdata.Day},
		{"4Hour", 4, marketdata.Hour},
		{"15Min", 15, marketdata.Min},
		{"week", 1, marketdata.Week},
		{"1Month", 1, marketdata.Month},
	}
	for _, tc := range tests {
		tf, err := ParseAlpacaTimeFrame(tc.in)
		if err != nil {
			t.Errorf("ParseAlpacaTimeFrame(%q): %v", tc.in, err)
			continue
		}
		if tf.N != tc.n || tf.Unit != tc.unit {
			t.Errorf("ParseAlpacaTimeFrame(%q) = %+v, want %d %v", tc.in, tf, tc.n, tc.unit)
		}
	}
	for _, bad := range []string{"", "0Day", "xHour", "1Year"} {
		if _, err := ParseAlpacaTimeFrame(bad); err == nil {
			t.Errorf("ParseAlpacaTimeFrame(%q) = nil error", bad)
		}
	}
}

func TestParseNumber(t *testing.T) {
	v, err := parseNumber(" 42150.25 ")
	if err != nil || v != 42150.25 {
		t.Errorf("parseNumber = %v, %v; want 42150.25", v, err)
	}
	if _, err := parseNumber("abc"); err == nil {
		t.Error("parseNumber(abc) = nil error")
	}
}

type fakeAlpaca struct {
	failures map[string]int
	bars     map[string][]marketdata.Bar
	calls    map[string]int
}

func (f *fakeAlpaca) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.calls[symbol]++
	if f.failures[symbol] > 0 {
		f.failures[symbol]--
		return nil, errors.New("503 service unavailable")
	}
	return f.bars[symbol], nil
}

func TestAlpacaBarGatherer(t *testing.T) {
	ts := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	client := &fakeAlpaca{
		failures: map[string]int{"AAPL": 1},
		calls:    make(map[string]int),
		bars: map[string][]marketdata.Bar{
			"AAPL": {
				{Timestamp: ts, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5000, TradeCount: 42, VWAP: 100.7},
				{Timestamp: ts.AddDate(0, 0, 1), Open: 101, High: 103, Low: 100, Close: 102, Volume: 6000},
			},
			"MSFT": {
				{Timestamp: ts, Open: 400, High: 405, Low: 398, Close: 404, Volume: 1000},
			},
		},
	}
	s := newMemBarStore()
	g, err := newAlpacaBarGatherer(client, AlpacaOptions{
		Timeframe: "1Day",
		Symbols:   []string{"aapl", " msft "},
		Range:     DateRange{Start: ts, End: ts.AddDate(0, 0, 5)},
	}, s, nil)
	if err != nil {
		t.Fatalf("newAlpacaBarGatherer: %v", err)
	}
	g.backoff.Base = time.Millisecond

	if g.Name() != "alpaca" {
		t.Errorf("Name() = %q, want alpaca", g.Name())
	}
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if client.calls["AAPL"] != 2 {
		t.Errorf("AAPL calls = %d, want 2 (one retry)", client.calls["AAPL"])
	}
	got := s.bars["us"]
	if len(got) != 3 {
		t.Fatalf("stored %d bars, want 3", len(got))
	}
	first := got[0]
	if first.Symbol != "AAPL" || first.Volume != 5000 || first.TradeCount != 42 || first.VWAP != 100.7 {
		t.Errorf("first bar = %+v", first)
	}
	if got[2].Symbol != "MSFT" {
		t.Errorf("third bar symbol = %q, want MSFT", got[2].Symbol)
	}
}

func TestAlpacaBarGathererGivesUp(t *testing.T) {
	client := &fakeAlpaca{
		failures: map[string]int{"AAPL": 10},
		calls:    make(map[string]int),
	}
	g, err := newAlpacaBarGatherer(client, AlpacaOptions{
		Timeframe: "1Day",
		Symbols:   []string{"AAPL"},
		Retries:   2,
	}, newMemBarStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	g.backoff.Base = time.Millisecond

	if err := g.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if client.calls["AAPL"] != 2 {
		t.Errorf("calls = %d, want 2", client.calls["AAPL"])
	}
}

func TestAlpacaBarGathererBadTimeframe(t *testing.T) {
	_, err := newAlpacaBarGatherer(&fakeAlpaca{}, AlpacaOptions{Timeframe: "fortnight"}, newMemBarStore(), nil)
	if err == nil {
		t.Fatal("want error for unknown timeframe")
	}
}

type fakeKlines struct {
	klines []*futures.Kline
	limits []int
}

func (f *fakeKlines) Klines(_ context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*futures.Kline, error) {
	f.limits = append(f.limits, limit)
	var page []*futures.Kline
	for _, k := range f.klines {
		if k.OpenTime >= startMs && k.OpenTime <= endMs && len(page) < limit {
			page = append(page, k)
		}
	}
	return page, nil
}

func hourlyKlines(start time.Time, n int) []*futures.Kline {
	out := make([]*futures.Kline, n)
	for i := range out {
		out[i] = &futures.Kline{
			OpenTime:         start.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:             "100",
			High:             "101.5",
			Low:              "99.5",
			Close:            "100.5",
			Volume:           "2",
			QuoteAssetVolume: "201",
			TradeNum:         7,
		}
	}
	return out
}

func TestBinanceKlineGathererPages(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeKlines{klines: hourlyKlines(start, 5)}
	s := newMemBarStore()
	g := newBinanceKlineGatherer(src, BinanceOptions{
		Symbols:   []string{"btcusdt"},
		BatchSize: 2,
		Range:     DateRange{Start: start, End: start.Add(24 * time.Hour)},
	}, s, nil)

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.limits) != 3 {
		t.Errorf("requests = %d, want 3", len(src.limits))
	}
	got := s.bars["crypto"]
	if len(got) != 5 {
		t.Fatalf("stored %d bars, want 5", len(got))
	}
	for i, b := range got {
		if want := start.Add(time.Duration(i) * time.Hour); !b.Timestamp.Equal(want) {
			t.Errorf("bar %d at %v, want %v", i, b.Timestamp, want)
		}
		if b.Symbol != "BTCUSDT" {
			t.Errorf("bar %d symbol = %q", i, b.Symbol)
		}
	}
}

func TestBinanceBatchSizeCapped(t *testing.T) {
	g := newBinanceKlineGatherer(&fakeKlines{}, BinanceOptions{BatchSize: 5000}, newMemBarStore(), nil)
	if g.batchSize != maxKlinesPerRequest {
		t.Errorf("batchSize = %d, want %d", g.batchSize, maxKlinesPerRequest)
	}
	if g.market != "crypto" || g.interval != "1h" {
		t.Errorf("defaults = %q %q", g.market, g.interval)
	}
}

func TestKlineToBar(t *testing.T) {
	k := hourlyKlines(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 1)[0]
	bar, err := klineToBar("BTCUSDT", k)
	if err != nil {
		t.Fatalf("klineToBar: %v", err)
	}
	if bar.Open != 100 || bar.High != 101.5 || bar.Low != 99.5 || bar.Close != 100.5 {
		t.Errorf("OHLC = %v %v %v %v", bar.Open, bar.High, bar.Low, bar.Close)
	}
	if math.Abs(bar.VWAP-100.5) > 1e-12 || bar.Volume != 2 || bar.TradeCount != 7 {
		t.Errorf("VWAP/volume/trades = %v %v %v", bar.VWAP, bar.Volume, bar.TradeCount)
	}

	k.Volume = "0"
	bar, err = klineToBar("BTCUSDT", k)
	if err != nil {
		t.Fatal(err)
	}
	if bar.VWAP != bar.Close {
		t.Errorf("zero-volume VWAP = %v, want close", bar.VWAP)
	}

	k.High = "n/a"
	if _, err := klineToBar("BTCUSDT", k); err == nil {
		t.Error("want error for unparsable high")
	}
}

func TestParseCSVBars(t *testing.T) {
	const data = `Date,Open,High,Low,Close,Volume
2024-01-03,102,104,101,103,1500
2024-01-02,100,102,99,101,1000
2024-01-03,1,1,1,1,1

2024-01-04,103,105,102,104.5,1200
`
	bars, err := ParseCSVBars(strings.NewReader(data), "SPY")
	if err != nil {
		t.Fatalf("ParseCSVBars: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("got %d bars, want 3", len(bars))
	}
	if !bars[0].Timestamp.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first timestamp = %v", bars[0].Timestamp)
	}
	if bars[1].Close != 103 {
		t.Errorf("duplicate kept the wrong row: close = %v", bars[1].Close)
	}
	if bars[2].Close != 104.5 || bars[2].Symbol != "SPY" {
		t.Errorf("last bar = %+v", bars[2])
	}
}

func TestParseCSVBarsSymbolColumnAndEpoch(t *testing.T) {
	const data = "symbol,timestamp,o,h,l,c,v,trades,vwap\n" +
		"eth,1704067200000,2300,2310,2290,2305,10,55,2301.5\n" +
		"btc,1704067200,42000,42100,41900,42050,3,80,42010\n"
	bars, err := ParseCSVBars(strings.NewReader(data), "")
	if err != nil {
		t.Fatalf("ParseCSVBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, b := range bars {
		if !b.Timestamp.Equal(want) {
			t.Errorf("%s timestamp = %v, want %v", b.Symbol, b.Timestamp, want)
		}
	}
	if bars[0].Symbol != "ETH" || bars[0].TradeCount != 55 || bars[0].VWAP != 2301.5 {
		t.Errorf("first bar = %+v", bars[0])
	}
}

func TestParseCSVBarsErrors(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"missing close":  "date,open,high,low\n2024-01-01,1,2,0.5\n",
		"no symbol":      "date,open,high,low,close\n2024-01-01,1,2,0.5,1.5\n",
		"bad number":     "symbol,date,open,high,low,close\nX,2024-01-01,1,2,0.5,oops\n",
		"bad timestamp":  "symbol,date,open,high,low,close\nX,yesterday,1,2,0.5,1.5\n",
		"inverted range": "symbol,date,open,high,low,close\nX,2024-01-01,1,1,2,1.5\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCSVBars(strings.NewReader(data), ""); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestCSVImporterRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qqq.csv")
	data := "date,open,high,low,close\n2024-01-02,400,402,399,401\n2024-01-03,401,404,400,403\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	s := newMemBarStore()
	imp := NewCSVImporter(CSVOptions{Paths: []string{path}, Symbol: "qqq"}, s, nil)
	if err := imp.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := s.ReadBars(context.Background(), "QQQ", "us",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	if len(got) != 2 {
		t.Fatalf("stored %d QQQ bars, want 2", len(got))
	}

	missing := NewCSVImporter(CSVOptions{Paths: []string{filepath.Join(dir, "nope.csv")}, Symbol: "X"}, s, nil)
	if err := missing.Run(context.Background()); err == nil {
		t.Error("want error for missing file")
	}
}
