package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tradelab/internal/config"
	"tradelab/internal/gather"
	"tradelab/internal/store"
	"tradelab/internal/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradelab-gather <source> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Sources:\n")
	fmt.Fprintf(os.Stderr, "  alpaca     US equity bars from Alpaca market data\n")
	fmt.Fprintf(os.Stderr, "  binance    Crypto klines from Binance USD-M futures\n")
	fmt.Fprintf(os.Stderr, "  csv        OHLCV CSV files given as arguments\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	source, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	var g gather.Gatherer
	switch source {
	case "alpaca":
		job := cfg.Gather.Alpaca
		fs := flag.NewFlagSet("alpaca", flag.ExitOnError)
		symbols := fs.String("symbols", "", "comma-separated symbols (required)")
		start := fs.String("start", job.StartDate, "first date, YYYY-MM-DD")
		end := fs.String("end", "", "last date, YYYY-MM-DD (default today)")
		timeframe := fs.String("timeframe", job.Timeframe, "bar timeframe, e.g. 1Day, 1Hour, 15Min")
		fs.Parse(args)

		rng := mustRange(*start, *end)
		g, err = gather.NewAlpacaBarGatherer(gather.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			Market:          job.Market,
			Timeframe:       *timeframe,
			Symbols:         mustSymbols(*symbols),
			Range:           rng,
			RateLimitPerMin: job.RateLimitPerMin,
			Retries:         job.Retries,
		}, bars, logger)
		if err != nil {
			log.Fatalf("alpaca gatherer: %v", err)
		}

	case "binance":
		job := cfg.Gather.Binance
		fs := flag.NewFlagSet("binance", flag.ExitOnError)
		symbols := fs.String("symbols", "", "comma-separated symbols, e.g. BTCUSDT (required)")
		start := fs.String("start", job.StartDate, "first date, YYYY-MM-DD")
		end := fs.String("end", "", "last date, YYYY-MM-DD (default today)")
		interval := fs.String("interval", job.Timeframe, "kline interval, e.g. 1m, 1h, 1d")
		fs.Parse(args)

		g = gather.NewBinanceKlineGatherer(gather.BinanceOptions{
			APIKey:          cfg.Binance.APIKey,
			APISecret:       cfg.Binance.APISecret,
			Market:          job.Market,
			Interval:        *interval,
			Symbols:         mustSymbols(*symbols),
			Range:           mustRange(*start, *end),
			BatchSize:       job.BatchSize,
			RateLimitPerMin: job.RateLimitPerMin,
			Retries:         job.Retries,
		}, bars, logger)

	case "csv":
		fs := flag.NewFlagSet("csv", flag.ExitOnError)
		symbol := fs.String("symbol", "", "symbol for files without a symbol column")
		market := fs.String("market", cfg.Gather.Alpaca.Market, "market to store the bars under")
		fs.Parse(args)
		if fs.NArg() == 0 {
			log.Fatal("csv: no files given")
		}
		g = gather.NewCSVImporter(gather.CSVOptions{
			Paths:  fs.Args(),
			Market: *market,
			Symbol: *symbol,
		}, bars, logger)

	default:
		fmt.Fprintf(os.Stderr, "unknown source: %s\n\n", source)
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gatherer", "source", g.Name(), "data_dir", cfg.Storage.DataDir)
	if err := g.Run(ctx); err != nil {
		log.Fatalf("%s: %v", g.Name(), err)
	}
}

func mustRange(start, end string) gather.DateRange {
	rng, err := gather.ParseDateRange(start, end)
	if err != nil {
		log.Fatalf("date range: %v", err)
	}
	return rng
}

func mustSymbols(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		log.Fatal("no symbols given")
	}
	return out
}
