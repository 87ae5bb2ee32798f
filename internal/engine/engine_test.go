package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"tradelab/internal/broker"
	"tradelab/internal/domain"
	"tradelab/internal/strategy"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

// scripted emits the signal keyed by the 0-based bar index and fails on the
// indices listed in failOn.
type scripted struct {
	name    string
	signals map[int]domain.Signal
	failOn  map[int]bool
	panicOn map[int]bool
	initErr error
	seen    int
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Init(ctx context.Context) error { return s.initErr }

func (s *scripted) OnBar(ctx context.Context, bar domain.Bar) (*domain.Signal, error) {
	i := s.seen
	s.seen++
	if s.panicOn[i] {
		panic("boom")
	}
	if s.failOn[i] {
		return nil, errors.New("feed hiccup")
	}
	sig, ok := s.signals[i]
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

// every emits a long with a 3% bracket on every tenth bar.
type every struct{ n int }

func (e *every) Name() string                   { return "every" }
func (e *every) Init(ctx context.Context) error { return nil }
func (e *every) OnBar(ctx context.Context, bar domain.Bar) (*domain.Signal, error) {
	i := e.n
	e.n++
	if i%10 != 0 {
		return nil, nil
	}
	side := domain.SideLong
	stop, target := bar.Close*0.97, bar.Close*1.03
	if i%20 == 10 {
		side = domain.SideShort
		stop, target = bar.Close*1.03, bar.Close*0.97
	}
	return &domain.Signal{Side: side, StopLoss: domain.Price(stop), TakeProfit: domain.Price(target)}, nil
}

func flatBars(n int, price float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1000,
		}
	}
	return bars
}

func wavyBars(n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := 100 + 8*math.Sin(float64(i)/6)
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1.5,
			Low:       c - 1.5,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func testConfig() domain.BacktestConfig {
	cfg := domain.DefaultBacktestConfig()
	cfg.Commission = 0
	cfg.SlippagePct = 0
	return cfg
}

func mustRun(t *testing.T, cfg domain.BacktestConfig, bars []domain.Bar, sources ...strategy.Strategy) *RunResult {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background(), bars, sources, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.InitialCapital = -1
	if _, err := New(cfg); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRunNoBars(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), nil, nil, nil); !errors.Is(err, ErrNoBars) {
		t.Fatalf("Run(nil) error = %v, want ErrNoBars", err)
	}
}

func TestStopLossFillsAtSlippedStop(t *testing.T) {
	cfg := testConfig()
	cfg.SlippagePct = 0.001

	bars := flatBars(3, 100)
	bars[1].Low, bars[1].Close = 94, 97

	src := &scripted{name: "s", signals: map[int]domain.Signal{
		0: {Side: domain.SideLong, StopLoss: domain.Price(95)},
	}}
	res := mustRun(t, cfg, bars, src)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != domain.ExitStopLoss {
		t.Errorf("ExitReason = %s, want stop_loss", tr.ExitReason)
	}
	if math.Abs(tr.ExitPrice-94.905) > 1e-9 {
		t.Errorf("ExitPrice = %v, want 94.905", tr.ExitPrice)
	}
	if !tr.ExitTime.Equal(bars[1].Timestamp) {
		t.Errorf("ExitTime = %v, want %v", tr.ExitTime, bars[1].Timestamp)
	}
	if math.Abs(tr.EntryPrice-100.1) > 1e-9 {
		t.Errorf("EntryPrice = %v, want 100.1", tr.EntryPrice)
	}
}

func TestStopBeatsTargetOnSameBar(t *testing.T) {
	bars := flatBars(2, 100)
	bars[1].Low, bars[1].High = 90, 110

	src := &scripted{name: "s", signals: map[int]domain.Signal{
		0: {Side: domain.SideLong, StopLoss: domain.Price(95), TakeProfit: domain.Price(105)},
	}}
	res := mustRun(t, testConfig(), bars, src)
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != domain.ExitStopLoss {
		t.Fatalf("trades = %+v, want a single stop_loss exit", res.Trades)
	}
	if res.Trades[0].ExitPrice != 95 {
		t.Errorf("ExitPrice = %v, want 95", res.Trades[0].ExitPrice)
	}
}

func TestShortTakeProfit(t *testing.T) {
	bars := flatBars(3, 100)
	bars[1].Low = 89

	src := &scripted{name: "s", signals: map[int]domain.Signal{
		0: {Side: domain.SideShort, StopLoss: domain.Price(110), TakeProfit: domain.Price(90)},
	}}
	res := mustRun(t, testConfig(), bars, src)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != domain.ExitTakeProfit || tr.ExitPrice != 90 {
		t.Errorf("exit = %s at %v, want take_profit at 90", tr.ExitReason, tr.ExitPrice)
	}
	// 1000 notional at 100 is 10 shares; 10 points in favour.
	if math.Abs(tr.PnL-100) > 1e-9 {
		t.Errorf("PnL = %v, want 100", tr.PnL)
	}
}

func TestMarginCallAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizePct = 1
	cfg.MarginCallLevel = 0.5

	bars := flatBars(5, 100)
	bars[1].Open, bars[1].High, bars[1].Low, bars[1].Close = 50, 50, 50, 50

	src := &scripted{name: "s", signals: map[int]domain.Signal{
		0: {Side: domain.SideLong},
	}}
	res := mustRun(t, cfg, bars, src)

	if !res.Snapshot.MarginCalled {
		t.Fatal("MarginCalled = false, want true")
	}
	if res.BarsProcessed != 2 || len(res.EquityCurve) != 2 {
		t.Errorf("processed %d bars with %d equity points, want 2 and 2", res.BarsProcessed, len(res.EquityCurve))
	}
	if src.seen != 2 {
		t.Errorf("source saw %d bars, want 2", src.seen)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != domain.ExitMarginCall {
		t.Fatalf("trades = %+v, want one margin_call exit", res.Trades)
	}
	if res.Trades[0].PnL != -5000 {
		t.Errorf("PnL = %v, want -5000", res.Trades[0].PnL)
	}
	if len(res.OpenPositions) != 0 {
		t.Errorf("open positions = %d, want 0", len(res.OpenPositions))
	}
}

func TestMarginCallDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizePct = 1
	cfg.StopOnMarginCall = false

	bars := flatBars(5, 100)
	bars[1].Close = 40

	src := &scripted{name: "s", signals: map[int]domain.Signal{0: {Side: domain.SideLong}}}
	res := mustRun(t, cfg, bars, src)
	if res.Snapshot.MarginCalled || res.BarsProcessed != 5 {
		t.Errorf("MarginCalled = %v, processed = %d; want false, 5", res.Snapshot.MarginCalled, res.BarsProcessed)
	}
}

func TestFailingSourceDoesNotStopRun(t *testing.T) {
	tests := []struct {
		name  string
		flaky *scripted
	}{
		{"error", &scripted{name: "flaky", failOn: map[int]bool{4: true}, signals: map[int]domain.Signal{4: {Side: domain.SideLong}}}},
		{"panic", &scripted{name: "flaky", panicOn: map[int]bool{4: true}, signals: map[int]domain.Signal{4: {Side: domain.SideLong}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			steady := &scripted{name: "steady"}
			res := mustRun(t, testConfig(), flatBars(100, 100), tc.flaky, steady)

			if res.BarsProcessed != 100 {
				t.Errorf("BarsProcessed = %d, want 100", res.BarsProcessed)
			}
			if tc.flaky.seen != 100 || steady.seen != 100 {
				t.Errorf("sources saw %d and %d bars, want 100 each", tc.flaky.seen, steady.seen)
			}
			if got := res.Snapshot.SourceErrors["flaky"]; got != 1 {
				t.Errorf("SourceErrors[flaky] = %d, want 1", got)
			}
			if res.Snapshot.SignalsReceived != 0 || len(res.Trades) != 0 {
				t.Errorf("failed bar produced %d signals and %d trades", res.Snapshot.SignalsReceived, len(res.Trades))
			}
		})
	}
}

func TestInitFailureDisablesSource(t *testing.T) {
	src := &scripted{name: "broken", initErr: errors.New("no model"), signals: map[int]domain.Signal{0: {Side: domain.SideLong}}}
	res := mustRun(t, testConfig(), flatBars(10, 100), src)
	if src.seen != 0 {
		t.Errorf("disabled source saw %d bars", src.seen)
	}
	if res.Snapshot.SourceErrors["broken"] != 1 || res.BarsProcessed != 10 {
		t.Errorf("snapshot = %+v", res.Snapshot)
	}
}

func TestSpeedModeDoesNotChangeResults(t *testing.T) {
	bars := wavyBars(200)
	fast := mustRun(t, testConfig(), bars, &every{})

	var sleeps []time.Duration
	cfg := testConfig()
	cfg.SpeedMode = domain.SpeedSlow
	cfg.SpeedDelay = 5 * time.Millisecond
	e, err := New(cfg, WithSleeper(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	slow, err := e.Run(context.Background(), bars, []strategy.Strategy{&every{}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(fast.Trades) == 0 {
		t.Fatal("expected the wavy series to produce trades")
	}
	if !reflect.DeepEqual(fast.Trades, slow.Trades) {
		t.Error("trades differ between FAST and SLOW")
	}
	if !reflect.DeepEqual(fast.EquityCurve, slow.EquityCurve) {
		t.Error("equity curves differ between FAST and SLOW")
	}
	if len(sleeps) != len(bars)-1 {
		t.Fatalf("slept %d times, want %d", len(sleeps), len(bars)-1)
	}
	for _, d := range sleeps {
		if d != 5*time.Millisecond {
			t.Fatalf("slept %v, want 5ms", d)
		}
	}
}

func TestLedgerInvariants(t *testing.T) {
	cfg := domain.DefaultBacktestConfig()
	bars := wavyBars(300)
	res := mustRun(t, cfg, bars, &every{})

	if len(res.EquityCurve) != res.BarsProcessed || res.BarsProcessed != len(bars) {
		t.Errorf("equity points = %d, bars processed = %d, bars = %d", len(res.EquityCurve), res.BarsProcessed, len(bars))
	}

	var pnl float64
	tickets := make(map[int64]bool)
	for _, tr := range res.Trades {
		gross := (tr.ExitPrice - tr.EntryPrice) * tr.Size * tr.Side.Sign()
		if math.Abs(tr.PnL-(gross-tr.Commission)) > 1e-9 {
			t.Errorf("ticket %d: PnL %v != gross %v - commission %v", tr.Ticket, tr.PnL, gross, tr.Commission)
		}
		if tickets[tr.Ticket] {
			t.Errorf("ticket %d closed twice", tr.Ticket)
		}
		tickets[tr.Ticket] = true
		pnl += tr.PnL
	}

	if len(res.OpenPositions) != 0 {
		t.Fatalf("open positions at end = %d, want 0", len(res.OpenPositions))
	}
	if want := cfg.InitialCapital + pnl; math.Abs(res.Snapshot.FinalCash-want) > 1e-6 {
		t.Errorf("FinalCash = %v, want initial + sum(pnl) = %v", res.Snapshot.FinalCash, want)
	}
	if math.Abs(res.Snapshot.FinalEquity-res.Snapshot.FinalCash) > 1e-6 {
		t.Errorf("FinalEquity %v != FinalCash %v with no open positions", res.Snapshot.FinalEquity, res.Snapshot.FinalCash)
	}
}

func TestMaxPositions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositions = 2
	cfg.CloseOpenAtEnd = false

	signals := make(map[int]domain.Signal)
	for i := 0; i < 5; i++ {
		signals[i] = domain.Signal{Side: domain.SideLong}
	}
	res := mustRun(t, cfg, flatBars(5, 100), &scripted{name: "s", signals: signals})

	if len(res.OpenPositions) != 2 {
		t.Errorf("open positions = %d, want 2", len(res.OpenPositions))
	}
	if got := res.Snapshot.Rejections[RejectMaxPositions]; got != 3 {
		t.Errorf("max_positions rejections = %d, want 3", got)
	}
	if res.Snapshot.SignalsReceived != 5 || res.Snapshot.SignalsFilled != 2 {
		t.Errorf("received/filled = %d/%d, want 5/2", res.Snapshot.SignalsReceived, res.Snapshot.SignalsFilled)
	}
	if res.OpenPositions[0].Ticket != 1 || res.OpenPositions[1].Ticket != 2 {
		t.Errorf("tickets = %d, %d; want 1, 2", res.OpenPositions[0].Ticket, res.OpenPositions[1].Ticket)
	}
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.BacktestConfig)
		sig    domain.Signal
		want   RejectReason
	}{
		{"short disabled", func(c *domain.BacktestConfig) { c.EnableShortSelling = false }, domain.Signal{Side: domain.SideShort}, RejectShortDisabled},
		{"invalid side", func(c *domain.BacktestConfig) {}, domain.Signal{Side: "FLAT"}, RejectInvalidSide},
		{"foreign symbol", func(c *domain.BacktestConfig) {}, domain.Signal{Symbol: "MSFT", Side: domain.SideLong}, RejectSymbolMismatch},
		{"insufficient cash", func(c *domain.BacktestConfig) { c.PositionSizePct = 1; c.Commission = 0.001 }, domain.Signal{Side: domain.SideLong}, RejectInsufficientCash},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			src := &scripted{name: "s", signals: map[int]domain.Signal{0: tc.sig}}
			res := mustRun(t, cfg, flatBars(3, 100), src)

			if got := res.Snapshot.Rejections[tc.want]; got != 1 {
				t.Errorf("Rejections[%s] = %d, want 1 (all: %v)", tc.want, got, res.Snapshot.Rejections)
			}
			if len(res.Trades) != 0 || res.Snapshot.SignalsFilled != 0 {
				t.Errorf("rejected signal was filled")
			}
			if res.Snapshot.FinalCash != cfg.InitialCapital {
				t.Errorf("FinalCash = %v, want %v", res.Snapshot.FinalCash, cfg.InitialCapital)
			}
		})
	}
}

func TestSizingFollowsEquityAfterClosedTrade(t *testing.T) {
	cfg := testConfig()
	cfg.Commission = 0.001
	cfg.SlippagePct = 0.001
	cfg.CloseOpenAtEnd = false

	bars := flatBars(5, 100)
	bars[2].High = 111
	for _, i := range []int{3, 4} {
		bars[i].Open, bars[i].High, bars[i].Low, bars[i].Close = 120, 120, 120, 120
	}
	src := &scripted{name: "s", signals: map[int]domain.Signal{
		0: {Side: domain.SideLong, TakeProfit: domain.Price(110)},
		3: {Side: domain.SideLong},
	}}
	res := mustRun(t, cfg, bars, src)

	if len(res.Trades) != 1 || len(res.OpenPositions) != 1 {
		t.Fatalf("trades = %d, open = %d; want 1, 1", len(res.Trades), len(res.OpenPositions))
	}
	first := res.Trades[0]
	if first.ExitReason != domain.ExitTakeProfit || !(first.PnL > 0) {
		t.Fatalf("first trade = %+v, want a take-profit win", first)
	}

	// Flat after the first trade, so equity is cash.
	equity := cfg.InitialCapital + first.PnL
	slipped := 120 * (1 + cfg.SlippagePct)
	pos := res.OpenPositions[0]
	if math.Abs(pos.EntryPrice-slipped) > 1e-9 {
		t.Errorf("EntryPrice = %v, want %v", pos.EntryPrice, slipped)
	}
	if want := equity * cfg.PositionSizePct / slipped; math.Abs(pos.Size-want) > 1e-9 {
		t.Errorf("Size = %v, want %v", pos.Size, want)
	}
	if got, want := pos.Size*pos.EntryPrice, equity*cfg.PositionSizePct; math.Abs(got-want) > 1e-6 {
		t.Errorf("notional = %v, want %v", got, want)
	}
	if stale := cfg.InitialCapital * cfg.PositionSizePct / slipped; math.Abs(pos.Size-stale) < 1e-6 {
		t.Errorf("Size = %v, sized from initial capital", pos.Size)
	}
}

func TestOpenRejection(t *testing.T) {
	tests := []struct {
		err  error
		want RejectReason
	}{
		{fmt.Errorf("%w: need 1, have 0", broker.ErrInsufficientCash), RejectInsufficientCash},
		{broker.ErrInvalidSize, RejectNonPositiveSize},
		{errors.New("venue closed"), RejectBrokerError},
	}
	for _, tc := range tests {
		if got := openRejection(tc.err); got != tc.want {
			t.Errorf("openRejection(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestCloseOpenAtEnd(t *testing.T) {
	bars := flatBars(4, 100)
	bars[3].Close = 110

	src := &scripted{name: "s", signals: map[int]domain.Signal{0: {Side: domain.SideLong}}}
	res := mustRun(t, testConfig(), bars, src)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitReason != domain.ExitManual || tr.ExitPrice != 110 || !tr.ExitTime.Equal(bars[3].Timestamp) {
		t.Errorf("trade = %+v, want manual exit at 110 on the last bar", tr)
	}
	if tr.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want the bar symbol", tr.Symbol)
	}
}

func TestProgressCallback(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	var got []Progress
	bars := flatBars(7, 100)
	if _, err := e.Run(context.Background(), bars, nil, func(p Progress) { got = append(got, p) }); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(bars) {
		t.Fatalf("progress calls = %d, want %d", len(got), len(bars))
	}
	for i, p := range got {
		if p.Bar != i+1 || p.Total != len(bars) || p.Equity != 10000 {
			t.Errorf("progress[%d] = %+v", i, p)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, flatBars(10, 100), nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestPacerDelay(t *testing.T) {
	prev := domain.Bar{Timestamp: t0}
	tests := []struct {
		mode domain.SpeedMode
		next time.Time
		want time.Duration
	}{
		{domain.SpeedFast, t0.Add(time.Minute), 0},
		{domain.SpeedNormal, t0.Add(time.Minute), 0},
		{domain.SpeedHFTTest, t0.Add(time.Minute), 0},
		{domain.SpeedSlow, t0.Add(time.Hour), 250 * time.Millisecond},
		{domain.SpeedRealtime, t0.Add(30 * time.Second), 30 * time.Second},
		{domain.SpeedRealtime, t0.Add(time.Hour), MaxRealtimeGap},
	}
	for _, tc := range tests {
		p := NewPacer(tc.mode, 250*time.Millisecond, nil)
		if got := p.Delay(prev, domain.Bar{Timestamp: tc.next}); got != tc.want {
			t.Errorf("%s Delay = %v, want %v", tc.mode, got, tc.want)
		}
	}
}

func TestEngineIsReusable(t *testing.T) {
	e, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	bars := wavyBars(120)
	a, err := e.Run(context.Background(), bars, []strategy.Strategy{&every{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Run(context.Background(), bars, []strategy.Strategy{&every{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Trades, b.Trades) {
		t.Error("second run on the same engine produced different trades")
	}
	if len(b.Trades) > 0 && b.Trades[0].Ticket != 1 {
		t.Errorf("first ticket of second run = %d, want 1", b.Trades[0].Ticket)
	}
}
