package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tradelab/internal/backtest"
	"tradelab/internal/config"
	"tradelab/internal/engine"
	"tradelab/internal/gather"
	"tradelab/internal/metrics"
	"tradelab/internal/report"
	"tradelab/internal/store"
	"tradelab/internal/strategy"
	"tradelab/internal/strategy/builtins"
	"tradelab/internal/util"
)

// options holds the command-line flags of one invocation.
type options struct {
	symbol       string
	market       string
	start        string
	end          string
	strategies   string
	benchmark    string
	sims         int
	seed         uint64
	save         bool
	showProgress bool
}

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var o options
	flag.StringVar(&o.symbol, "symbol", "", "symbol to replay (required)")
	flag.StringVar(&o.market, "market", cfg.Gather.Alpaca.Market, "market the bars are stored under")
	flag.StringVar(&o.start, "start", "", "first date, YYYY-MM-DD (required)")
	flag.StringVar(&o.end, "end", "", "last date, YYYY-MM-DD (default today)")
	flag.StringVar(&o.strategies, "strategies", "", "comma-separated strategy names (default all configured)")
	flag.StringVar(&o.benchmark, "benchmark", cfg.Analysis.BenchmarkSymbol, "benchmark symbol for alpha/beta")
	flag.IntVar(&o.sims, "sims", cfg.Analysis.Simulations, "Monte Carlo simulations, 0 to skip")
	flag.Uint64Var(&o.seed, "seed", cfg.Analysis.Seed, "Monte Carlo seed")
	flag.BoolVar(&o.save, "save", true, "persist the run to the run store")
	flag.BoolVar(&o.showProgress, "progress", false, "log progress every 10% of bars")
	flag.Parse()

	if o.symbol == "" || o.start == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, o, os.Stdout)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

// run executes one backtest and writes its summary to w. Every resource it
// opens is released before it returns.
func run(ctx context.Context, cfg *config.Config, o options, w io.Writer) error {
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	btCfg, err := cfg.BacktestConfig()
	if err != nil {
		return fmt.Errorf("backtest config: %w", err)
	}
	rng, err := gather.ParseDateRange(o.start, o.end)
	if err != nil {
		return fmt.Errorf("date range: %w", err)
	}

	reg, err := buildRegistry(cfg.Strategies)
	if err != nil {
		return fmt.Errorf("building strategies: %w", err)
	}
	selected := reg.List()
	if o.strategies != "" {
		selected = strings.Split(o.strategies, ",")
		for i := range selected {
			selected[i] = strings.TrimSpace(selected[i])
		}
	}

	opts := []backtest.Option{
		backtest.WithLogger(logger),
		backtest.WithMetrics(metrics.NewSuite(
			metrics.WithLogger(logger),
			metrics.WithRiskFreeRate(cfg.Analysis.RiskFreeRate),
		)),
	}
	if o.save {
		runs, err := store.OpenRunStore(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
		defer runs.Close()
		opts = append(opts, backtest.WithRunStore(runs))
	}

	bt := backtest.New(store.NewParquetStore(cfg.Storage.DataDir), reg, opts...)

	var progress engine.ProgressFunc
	if o.showProgress {
		progress = func(p engine.Progress) {
			step := max(p.Total/10, 1)
			if p.Bar%step == 0 || p.Bar == p.Total {
				logger.Info("progress",
					"bar", p.Bar,
					"total", p.Total,
					"time", p.Timestamp.Format(time.DateOnly),
					"equity", p.Equity,
					"open", p.OpenPositions,
				)
			}
		}
	}

	rep, err := bt.Run(ctx, backtest.Request{
		Strategies:      selected,
		Symbol:          o.symbol,
		Market:          o.market,
		Start:           rng.Start,
		End:             rng.End,
		BenchmarkSymbol: o.benchmark,
		Simulations:     o.sims,
		Seed:            o.seed,
		Config:          btCfg,
	}, progress)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	if err := report.WriteSummary(w, rep); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// buildRegistry registers the configured strategies, or every built-in with
// default parameters when none are configured.
func buildRegistry(specs []config.StrategyConfig) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	if len(specs) == 0 {
		for _, name := range builtins.Names {
			if err := builtins.Register(reg, name, "", nil); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}
	for _, s := range specs {
		if err := builtins.Register(reg, s.Name, strings.ToUpper(s.Symbol), s.Params); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
