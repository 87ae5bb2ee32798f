// Package engine runs the deterministic bar-by-bar backtest simulation:
// exits, signal collection, admission, fills, equity sampling and the
// margin-call stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradelab/internal/broker"
	"tradelab/internal/domain"
	"tradelab/internal/strategy"
	"tradelab/internal/util"
)

var (
	// ErrNoBars is returned by Run when the bar sequence is empty.
	ErrNoBars = errors.New("no bars to replay")

	// ErrSourcePanic wraps a panic recovered from a signal source.
	ErrSourcePanic = errors.New("signal source panicked")
)

// Progress is reported to the ProgressFunc after every processed bar.
type Progress struct {
	Bar           int // 1-based count of processed bars
	Total         int
	Timestamp     time.Time
	Equity        float64
	OpenPositions int
}

// ProgressFunc receives per-bar progress. It runs on the engine goroutine.
type ProgressFunc func(Progress)

// Snapshot summarises the state of the ledger at the end of a run.
type Snapshot struct {
	FinalCash       float64
	FinalEquity     float64
	TotalReturnPct  float64
	TotalTrades     int
	OpenPositions   int
	SignalsReceived int
	SignalsFilled   int
	MarginCalled    bool
	Rejections      map[RejectReason]int
	SourceErrors    map[string]int
}

// RunResult is the output of one engine run.
type RunResult struct {
	Config        domain.BacktestConfig
	EquityCurve   []domain.EquityPoint
	Trades        []domain.Trade
	OpenPositions []domain.Position
	Snapshot      Snapshot
	Duration      time.Duration
	BarsProcessed int
	BarsPerSecond float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for rejections, source errors and run
// summaries.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithSleeper replaces the sleep used by SLOW and REALTIME pacing.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// Engine replays bars through signal sources. An Engine holds only
// configuration; every Run builds fresh ledger state, so one Engine may be
// reused sequentially or several may run in parallel.
type Engine struct {
	cfg   domain.BacktestConfig
	log   *slog.Logger
	sleep Sleeper
}

// New creates an Engine after validating cfg.
func New(cfg domain.BacktestConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	e.log = util.OrDiscard(e.log).With("component", "engine")
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() domain.BacktestConfig {
	return e.cfg
}

// Run replays bars, which must be sorted by strictly increasing timestamp,
// through sources. Source failures and rejected signals never abort the
// run. The returned error is non-nil only for an empty bar sequence or a
// cancelled context.
func (e *Engine) Run(ctx context.Context, bars []domain.Bar, sources []strategy.Strategy, progress ProgressFunc) (*RunResult, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}

	r := e.newRun(sources)
	r.init(ctx)

	pacer := NewPacer(e.cfg.SpeedMode, e.cfg.SpeedDelay, e.sleep)
	threshold := e.cfg.InitialCapital * e.cfg.MarginCallLevel
	start := time.Now()

	e.log.Info("backtest started",
		"bars", len(bars),
		"sources", len(sources),
		"capital", e.cfg.InitialCapital,
		"speed", e.cfg.SpeedMode,
	)

	for i, bar := range bars {
		if i > 0 {
			if err := pacer.Wait(ctx, bars[i-1], bar); err != nil {
				return nil, fmt.Errorf("replay interrupted at bar %d: %w", i, err)
			}
		}

		r.marks[bar.Symbol] = bar.Close
		r.checkExits(bar)
		for _, sig := range r.collect(ctx, bar) {
			r.admit(sig, bar)
		}

		equity := r.broker.Equity(r.marks)
		r.equity = append(r.equity, domain.EquityPoint{Timestamp: bar.Timestamp, Equity: equity})

		if progress != nil {
			progress(Progress{
				Bar:           i + 1,
				Total:         len(bars),
				Timestamp:     bar.Timestamp,
				Equity:        equity,
				OpenPositions: len(r.broker.Positions()),
			})
		}

		if e.cfg.StopOnMarginCall && equity <= threshold {
			e.log.Warn("margin call",
				"time", bar.Timestamp,
				"equity", equity,
				"threshold", threshold,
				"open", len(r.broker.Positions()),
			)
			r.liquidate(bar.Timestamp, domain.ExitMarginCall)
			r.marginCalled = true
			break
		}
	}

	if !r.marginCalled && e.cfg.CloseOpenAtEnd {
		r.liquidate(bars[len(bars)-1].Timestamp, domain.ExitManual)
	}

	res := r.result(time.Since(start))
	e.log.Info("backtest finished",
		"bars", res.BarsProcessed,
		"trades", len(res.Trades),
		"final_equity", res.Snapshot.FinalEquity,
		"margin_called", res.Snapshot.MarginCalled,
		"duration", res.Duration,
	)
	return res, nil
}

// run is the mutable state of a single Run call.
type run struct {
	cfg     domain.BacktestConfig
	log     *slog.Logger
	broker  *broker.SimulatorBroker
	risk    *RiskManager
	sources []strategy.Strategy
	active  []bool
	marks   map[string]float64

	trades       []domain.Trade
	equity       []domain.EquityPoint
	marginCalled bool

	received     int
	filled       int
	rejections   map[RejectReason]int
	sourceErrors map[string]int
}

func (e *Engine) newRun(sources []strategy.Strategy) *run {
	return &run{
		cfg:          e.cfg,
		log:          e.log,
		broker:       broker.NewFromConfig(e.cfg),
		risk:         NewRiskManager(e.cfg),
		sources:      sources,
		active:       make([]bool, len(sources)),
		marks:        make(map[string]float64),
		rejections:   make(map[RejectReason]int),
		sourceErrors: make(map[string]int),
	}
}

// init prepares every source. A source whose Init fails stays inactive for
// the whole run.
func (r *run) init(ctx context.Context) {
	for i, src := range r.sources {
		if err := src.Init(ctx); err != nil {
			r.sourceErrors[src.Name()]++
			r.log.Error("signal source disabled", "source", src.Name(), "error", err)
			continue
		}
		r.active[i] = true
	}
}

func (r *run) checkExits(bar domain.Bar) {
	for _, pos := range r.broker.Positions() {
		if bar.Symbol != "" && pos.Symbol != bar.Symbol {
			continue
		}
		price, reason, hit := checkExit(pos, bar)
		if !hit {
			continue
		}
		r.close(pos.Ticket, price, bar.Timestamp, reason)
	}
}

// collect asks every active source for a signal on bar. A failing source
// contributes nothing for this bar and keeps running on the next one.
func (r *run) collect(ctx context.Context, bar domain.Bar) []domain.Signal {
	var out []domain.Signal
	for i, src := range r.sources {
		if !r.active[i] {
			continue
		}
		sig, err := onBar(ctx, src, bar)
		if err != nil {
			r.sourceErrors[src.Name()]++
			r.log.Warn("signal source failed", "source", src.Name(), "time", bar.Timestamp, "error", err)
			continue
		}
		if sig == nil {
			continue
		}
		s := *sig
		if s.Symbol == "" {
			s.Symbol = bar.Symbol
		}
		out = append(out, s)
	}
	r.received += len(out)
	return out
}

func onBar(ctx context.Context, src strategy.Strategy, bar domain.Bar) (sig *domain.Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sig, err = nil, fmt.Errorf("%w: %v", ErrSourcePanic, rec)
		}
	}()
	return src.OnBar(ctx, bar)
}

func (r *run) admit(sig domain.Signal, bar domain.Bar) {
	if reason := r.risk.Admit(sig, bar, len(r.broker.Positions())); reason != "" {
		r.reject(sig, bar, reason)
		return
	}

	price := r.broker.EntryPrice(sig.Side, bar.Close)
	size := r.risk.Size(r.broker.Equity(r.marks), price)
	if !(size > 0) {
		r.reject(sig, bar, RejectNonPositiveSize)
		return
	}

	pos, err := r.broker.Open(sig, bar.Close, size, bar.Timestamp)
	if err != nil {
		reason := openRejection(err)
		if reason == RejectBrokerError {
			r.log.Warn("broker refused open", "symbol", sig.Symbol, "side", sig.Side, "time", bar.Timestamp, "error", err)
		}
		r.reject(sig, bar, reason)
		return
	}
	r.filled++
	r.log.Debug("position opened",
		"ticket", pos.Ticket,
		"symbol", pos.Symbol,
		"side", pos.Side,
		"price", pos.EntryPrice,
		"size", pos.Size,
		"reason", sig.Reason,
	)
}

// openRejection maps a broker Open error to the reason it is counted under.
func openRejection(err error) RejectReason {
	switch {
	case errors.Is(err, broker.ErrInsufficientCash):
		return RejectInsufficientCash
	case errors.Is(err, broker.ErrInvalidSize):
		return RejectNonPositiveSize
	default:
		return RejectBrokerError
	}
}

func (r *run) reject(sig domain.Signal, bar domain.Bar, reason RejectReason) {
	r.rejections[reason]++
	r.log.Debug("signal rejected",
		"symbol", sig.Symbol,
		"side", sig.Side,
		"time", bar.Timestamp,
		"reason", reason,
	)
}

func (r *run) close(ticket int64, price float64, ts time.Time, reason domain.ExitReason) {
	tr, err := r.broker.Close(ticket, price, ts, reason)
	if err != nil {
		// Tickets come from the broker's own open set.
		panic(fmt.Sprintf("engine: closing ticket %d: %v", ticket, err))
	}
	r.trades = append(r.trades, tr)
	r.log.Debug("position closed",
		"ticket", tr.Ticket,
		"symbol", tr.Symbol,
		"reason", tr.ExitReason,
		"price", tr.ExitPrice,
		"pnl", tr.PnL,
	)
}

// liquidate closes every open position at its symbol's latest mark.
func (r *run) liquidate(ts time.Time, reason domain.ExitReason) {
	for _, pos := range r.broker.Positions() {
		price, ok := r.marks[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		r.close(pos.Ticket, price, ts, reason)
	}
}

func (r *run) result(elapsed time.Duration) *RunResult {
	open := r.broker.Positions()
	equity := r.broker.Equity(r.marks)

	res := &RunResult{
		Config:        r.cfg,
		EquityCurve:   r.equity,
		Trades:        r.trades,
		Duration:      elapsed,
		BarsProcessed: len(r.equity),
		Snapshot: Snapshot{
			FinalCash:       r.broker.Cash(),
			FinalEquity:     equity,
			TotalReturnPct:  (equity - r.cfg.InitialCapital) / r.cfg.InitialCapital * 100,
			TotalTrades:     len(r.trades),
			OpenPositions:   len(open),
			SignalsReceived: r.received,
			SignalsFilled:   r.filled,
			MarginCalled:    r.marginCalled,
			Rejections:      r.rejections,
			SourceErrors:    r.sourceErrors,
		},
	}
	if len(open) > 0 {
		res.OpenPositions = open
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.BarsPerSecond = float64(res.BarsProcessed) / secs
	}
	return res
}
