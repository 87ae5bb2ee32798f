package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"tradelab/internal/domain"
	"tradelab/internal/store"
	"tradelab/internal/util"
)

var _ Gatherer = (*AlpacaBarGatherer)(nil)

// alpacaBars is the part of the Alpaca market data client the gatherer
// uses.
type alpacaBars interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaOptions configures an AlpacaBarGatherer.
type AlpacaOptions struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string
	Market          string
	Timeframe       string
	Symbols         []string
	Range           DateRange
	RateLimitPerMin int
	Retries         int
}

// AlpacaBarGatherer gathers OHLCV bars for US equities via the Alpaca
// market-data API, one symbol per request.
type AlpacaBarGatherer struct {
	client    alpacaBars
	store     store.BarStore
	market    string
	feed      marketdata.Feed
	timeframe marketdata.TimeFrame
	symbols   []string
	rng       DateRange
	limiter   *rate.Limiter
	backoff   util.Backoff
	log       *slog.Logger
}

// NewAlpacaBarGatherer creates an AlpacaBarGatherer writing to s.
func NewAlpacaBarGatherer(opts AlpacaOptions, s store.BarStore, log *slog.Logger) (*AlpacaBarGatherer, error) {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaBarGatherer(marketdata.NewClient(clientOpts), opts, s, log)
}

func newAlpacaBarGatherer(client alpacaBars, opts AlpacaOptions, s store.BarStore, log *slog.Logger) (*AlpacaBarGatherer, error) {
	tf, err := ParseAlpacaTimeFrame(opts.Timeframe)
	if err != nil {
		return nil, err
	}
	backoff := util.DefaultBackoff
	if opts.Retries > 0 {
		backoff.Attempts = opts.Retries
	}
	market := opts.Market
	if market == "" {
		market = "us"
	}
	return &AlpacaBarGatherer{
		client:    client,
		store:     s,
		market:    market,
		feed:      marketdata.Feed(opts.Feed),
		timeframe: tf,
		symbols:   upperSymbols(opts.Symbols),
		rng:       opts.Range,
		limiter:   newLimiter(opts.RateLimitPerMin),
		backoff:   backoff,
		log:       util.OrDiscard(log).With("gatherer", "alpaca"),
	}, nil
}

// Name returns the gatherer identifier.
func (g *AlpacaBarGatherer) Name() string { return "alpaca" }

// Run fetches bars for every configured symbol and writes them to the
// store. A symbol that still fails after retries aborts the run.
func (g *AlpacaBarGatherer) Run(ctx context.Context) error {
	runStart := time.Now()
	var total int
	for _, symbol := range g.symbols {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		var raw []marketdata.Bar
		err := util.Retry(ctx, g.backoff, g.log, "alpaca bars "+symbol, func(context.Context) error {
			var err error
			raw, err = g.client.GetBars(symbol, marketdata.GetBarsRequest{
				TimeFrame: g.timeframe,
				Start:     g.rng.Start,
				End:       g.rng.End,
				Feed:      g.feed,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("fetching %s: %w", symbol, err)
		}

		bars := make([]domain.Bar, len(raw))
		for i, ab := range raw {
			bars[i] = alpacaToBar(symbol, ab)
		}
		if err := g.store.WriteBars(ctx, g.market, bars); err != nil {
			return fmt.Errorf("writing %s: %w", symbol, err)
		}
		total += len(bars)
		g.log.Info("symbol gathered", "symbol", symbol, "bars", len(bars))
	}

	g.log.Info("complete",
		"symbols", len(g.symbols),
		"bars", total,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}

func alpacaToBar(symbol string, ab marketdata.Bar) domain.Bar {
	return domain.Bar{
		Symbol:     symbol,
		Timestamp:  ab.Timestamp.UTC(),
		Open:       ab.Open,
		High:       ab.High,
		Low:        ab.Low,
		Close:      ab.Close,
		Volume:     float64(ab.Volume),
		TradeCount: int64(ab.TradeCount),
		VWAP:       ab.VWAP,
	}
}

// ParseAlpacaTimeFrame parses timeframes such as "1Day", "4Hour" or
// "15Min".
func ParseAlpacaTimeFrame(s string) (marketdata.TimeFrame, error) {
	units := []struct {
		suffix string
		unit   marketdata.TimeFrameUnit
	}{
		{"min", marketdata.Min},
		{"hour", marketdata.Hour},
		{"day", marketdata.Day},
		{"week", marketdata.Week},
		{"month", marketdata.Month},
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, u := range units {
		num, ok := strings.CutSuffix(lower, u.suffix)
		if !ok {
			continue
		}
		n := 1
		if num != "" {
			var err error
			if n, err = strconv.Atoi(num); err != nil || n < 1 {
				return marketdata.TimeFrame{}, fmt.Errorf("invalid alpaca timeframe %q", s)
			}
		}
		return marketdata.NewTimeFrame(n, u.unit), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("invalid alpaca timeframe %q", s)
}
