// Package backtest wires the bar store, signal sources, simulation engine
// and analytics into a single run that can be persisted and reviewed.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tradelab/internal/domain"
	"tradelab/internal/engine"
	"tradelab/internal/metrics"
	"tradelab/internal/montecarlo"
	"tradelab/internal/store"
	"tradelab/internal/strategy"
	"tradelab/internal/util"
)

// ErrInvalidRequest is wrapped by every Request validation failure.
var ErrInvalidRequest = errors.New("invalid backtest request")

// Request describes one backtest.
type Request struct {
	Strategies      []string // registry names, in evaluation order
	Symbol          string
	Market          string
	Start           time.Time
	End             time.Time
	BenchmarkSymbol string // optional, read from the same market
	Simulations     int    // Monte Carlo paths; 0 skips the simulation
	Seed            uint64
	Config          domain.BacktestConfig
}

// Validate checks r for values no run can start with.
func (r Request) Validate() error {
	switch {
	case len(r.Strategies) == 0:
		return fmt.Errorf("%w: no strategies", ErrInvalidRequest)
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: no symbol", ErrInvalidRequest)
	case r.Market == "":
		return fmt.Errorf("%w: no market", ErrInvalidRequest)
	case !r.End.After(r.Start):
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRequest,
			r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	case r.Simulations < 0:
		return fmt.Errorf("%w: negative simulation count", ErrInvalidRequest)
	}
	return r.Config.Validate()
}

// Report is the complete outcome of a backtest.
type Report struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	Request    Request
	Result     *engine.RunResult
	Metrics    metrics.Metrics
	MonteCarlo montecarlo.Distribution
}

// Record converts the report into its stored form.
func (r *Report) Record() *store.RunRecord {
	m := r.Metrics
	return &store.RunRecord{
		RunSummary: store.RunSummary{
			ID:                r.ID,
			CreatedAt:         r.CreatedAt,
			Strategies:        r.Request.Strategies,
			Symbol:            r.Request.Symbol,
			Market:            r.Request.Market,
			Start:             r.Request.Start,
			End:               r.Request.End,
			InitialCapital:    r.Result.Config.InitialCapital,
			FinalEquity:       r.Result.Snapshot.FinalEquity,
			TotalReturnPct:    r.Result.Snapshot.TotalReturnPct,
			SharpeRatio:       m.SharpeRatio,
			SortinoRatio:      m.SortinoRatio,
			OmegaRatio:        m.OmegaRatio,
			MaxDrawdownPct:    m.MaxDrawdownPct,
			WinRate:           m.WinRate,
			ProfitFactor:      m.ProfitFactor,
			TotalTrades:       len(r.Result.Trades),
			BarsProcessed:     r.Result.BarsProcessed,
			MarginCalled:      r.Result.Snapshot.MarginCalled,
			ProbabilityProfit: r.MonteCarlo.ProbabilityProfit,
		},
		Config: r.Result.Config,
		Trades: r.Result.Trades,
		Equity: r.Result.EquityCurve,
	}
}

// Option configures a Backtester.
type Option func(*Backtester)

// WithLogger sets the logger shared by the backtester and the components
// it builds.
func WithLogger(log *slog.Logger) Option {
	return func(b *Backtester) { b.log = log }
}

// WithRunStore persists every finished report to rs.
func WithRunStore(rs store.RunStore) Option {
	return func(b *Backtester) { b.runs = rs }
}

// WithMetrics replaces the default metrics suite.
func WithMetrics(s *metrics.Suite) Option {
	return func(b *Backtester) { b.suite = s }
}

// WithEngineOptions passes opts to every engine the backtester creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(b *Backtester) { b.engineOpts = append(b.engineOpts, opts...) }
}

// Backtester runs requests against a bar store. Strategies in the registry
// carry per-run state, so Run calls on one Backtester are serialised.
type Backtester struct {
	bars       store.BarStore
	runs       store.RunStore
	registry   *strategy.Registry
	suite      *metrics.Suite
	sim        *montecarlo.Simulator
	engineOpts []engine.Option
	base       *slog.Logger
	log        *slog.Logger

	mu sync.Mutex
}

// New creates a Backtester reading bars from bars and strategies from reg.
func New(bars store.BarStore, reg *strategy.Registry, opts ...Option) *Backtester {
	b := &Backtester{bars: bars, registry: reg}
	for _, opt := range opts {
		opt(b)
	}
	b.base = util.OrDiscard(b.log)
	if b.suite == nil {
		b.suite = metrics.NewSuite(metrics.WithLogger(b.base))
	}
	b.sim = montecarlo.NewSimulator(montecarlo.WithLogger(b.base))
	b.log = b.base.With("component", "backtest")
	return b
}

// Run executes req: it loads bars (and benchmark bars) in parallel, replays
// them through the engine, computes metrics and the Monte Carlo
// distribution in parallel, and saves the report when a run store is set.
func (b *Backtester) Run(ctx context.Context, req Request, progress engine.ProgressFunc) (*Report, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.BenchmarkSymbol = strings.ToUpper(strings.TrimSpace(req.BenchmarkSymbol))
	if err := req.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sources, err := b.registry.Resolve(req.Strategies...)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(req.Config, append([]engine.Option{engine.WithLogger(b.base)}, b.engineOpts...)...)
	if err != nil {
		return nil, err
	}

	bars, benchBars, err := b.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s %s..%s: %w", req.Market, req.Symbol,
			req.Start.Format(time.DateOnly), req.End.Format(time.DateOnly), engine.ErrNoBars)
	}

	res, err := eng.Run(ctx, bars, sources, progress)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Request:   req,
		Result:    res,
	}

	benchmark := BenchmarkReturns(res.EquityCurve, benchBars)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		report.Metrics = b.suite.Calculate(res.EquityCurve, res.Trades, req.Config.InitialCapital, benchmark)
		return nil
	})
	g.Go(func() error {
		if req.Simulations == 0 {
			return nil
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		report.MonteCarlo = b.sim.Simulate(res.Trades, req.Config.InitialCapital, req.Simulations, req.Seed)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if b.runs != nil {
		if err := b.runs.SaveRun(ctx, report.Record()); err != nil {
			return report, fmt.Errorf("saving run %s: %w", report.ID, err)
		}
	}

	b.log.Info("run complete",
		"id", report.ID,
		"symbol", req.Symbol,
		"strategies", strings.Join(req.Strategies, ","),
		"trades", len(res.Trades),
		"return_pct", res.Snapshot.TotalReturnPct,
		"sharpe", report.Metrics.SharpeRatio,
		"max_dd_pct", report.Metrics.MaxDrawdownPct,
	)
	return report, nil
}

// load reads the traded symbol and the optional benchmark concurrently.
func (b *Backtester) load(ctx context.Context, req Request) (bars, bench []domain.Bar, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bars, err = b.bars.ReadBars(gctx, req.Symbol, req.Market, req.Start, req.End)
		if err != nil {
			return fmt.Errorf("reading %s bars: %w", req.Symbol, err)
		}
		return nil
	})
	if req.BenchmarkSymbol != "" {
		g.Go(func() error {
			var err error
			bench, err = b.bars.ReadBars(gctx, req.BenchmarkSymbol, req.Market, req.Start, req.End)
			if err != nil {
				return fmt.Errorf("reading benchmark %s bars: %w", req.BenchmarkSymbol, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return bars, bench, nil
}

// BenchmarkReturns aligns benchmark closes to the equity curve's
// timestamps and returns their per-bar percentage changes, so the result
// lines up index for index with metrics.Returns(equity). A timestamp with
// no benchmark bar carries the previous close forward; points before the
// first benchmark bar use its close. It returns nil when bench is empty.
func BenchmarkReturns(equity []domain.EquityPoint, bench []domain.Bar) []float64 {
	if len(bench) == 0 || len(equity) < 2 {
		return nil
	}

	aligned := make([]domain.EquityPoint, len(equity))
	j := 0
	last := bench[0].Close
	for i, pt := range equity {
		for j < len(bench) && !bench[j].Timestamp.After(pt.Timestamp) {
			last = bench[j].Close
			j++
		}
		aligned[i] = domain.EquityPoint{Timestamp: pt.Timestamp, Equity: last}
	}
	return metrics.Returns(aligned)
}
