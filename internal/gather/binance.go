package gather

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradelab/internal/domain"
	"tradelab/internal/store"
	"tradelab/internal/util"
)

var _ Gatherer = (*BinanceKlineGatherer)(nil)

// maxKlinesPerRequest is the futures API cap on one klines page.
const maxKlinesPerRequest = 1500

// klineSource fetches one page of klines starting at startMs.
type klineSource interface {
	Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*futures.Kline, error)
}

type futuresKlines struct {
	client *futures.Client
}

func (f futuresKlines) Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*futures.Kline, error) {
	return f.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(startMs).
		EndTime(endMs).
		Limit(limit).
		Do(ctx)
}

// BinanceOptions configures a BinanceKlineGatherer.
type BinanceOptions struct {
	APIKey          string
	APISecret       string
	Market          string
	Interval        string // e.g. "1m", "15m", "1h", "1d"
	Symbols         []string
	Range           DateRange
	BatchSize       int
	RateLimitPerMin int
	Retries         int
}

// BinanceKlineGatherer pages through USDⓈ-M futures klines and writes them
// to the bar store.
type BinanceKlineGatherer struct {
	source    klineSource
	store     store.BarStore
	market    string
	interval  string
	symbols   []string
	rng       DateRange
	batchSize int
	limiter   *rate.Limiter
	backoff   util.Backoff
	log       *slog.Logger
}

// NewBinanceKlineGatherer creates a BinanceKlineGatherer writing to s.
func NewBinanceKlineGatherer(opts BinanceOptions, s store.BarStore, log *slog.Logger) *BinanceKlineGatherer {
	client := futures.NewClient(opts.APIKey, opts.APISecret)
	return newBinanceKlineGatherer(futuresKlines{client: client}, opts, s, log)
}

func newBinanceKlineGatherer(src klineSource, opts BinanceOptions, s store.BarStore, log *slog.Logger) *BinanceKlineGatherer {
	batch := opts.BatchSize
	if batch <= 0 || batch > maxKlinesPerRequest {
		batch = maxKlinesPerRequest
	}
	backoff := util.DefaultBackoff
	if opts.Retries > 0 {
		backoff.Attempts = opts.Retries
	}
	market := opts.Market
	if market == "" {
		market = "crypto"
	}
	interval := opts.Interval
	if interval == "" {
		interval = "1h"
	}
	return &BinanceKlineGatherer{
		source:    src,
		store:     s,
		market:    market,
		interval:  interval,
		symbols:   upperSymbols(opts.Symbols),
		rng:       opts.Range,
		batchSize: batch,
		limiter:   newLimiter(opts.RateLimitPerMin),
		backoff:   backoff,
		log:       util.OrDiscard(log).With("gatherer", "binance"),
	}
}

// Name returns the gatherer identifier.
func (g *BinanceKlineGatherer) Name() string { return "binance" }

// Run gathers every configured symbol in turn.
func (g *BinanceKlineGatherer) Run(ctx context.Context) error {
	runStart := time.Now()
	var total int
	for _, symbol := range g.symbols {
		n, err := g.gatherSymbol(ctx, symbol)
		if err != nil {
			return fmt.Errorf("gathering %s: %w", symbol, err)
		}
		total += n
		g.log.Info("symbol gathered", "symbol", symbol, "bars", n)
	}
	g.log.Info("complete",
		"symbols", len(g.symbols),
		"bars", total,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}

// gatherSymbol walks the range one page at a time, writing each page as it
// arrives. Paging stops on a short page or once the range is covered.
func (g *BinanceKlineGatherer) gatherSymbol(ctx context.Context, symbol string) (int, error) {
	startMs := g.rng.Start.UnixMilli()
	endMs := g.rng.End.UnixMilli()
	var written int

	for startMs <= endMs {
		if err := g.limiter.Wait(ctx); err != nil {
			return written, err
		}

		var page []*futures.Kline
		err := util.Retry(ctx, g.backoff, g.log, "binance klines "+symbol, func(ctx context.Context) error {
			var err error
			page, err = g.source.Klines(ctx, symbol, g.interval, startMs, endMs, g.batchSize)
			return err
		})
		if err != nil {
			return written, err
		}
		if len(page) == 0 {
			break
		}

		bars := make([]domain.Bar, 0, len(page))
		for _, k := range page {
			bar, err := klineToBar(symbol, k)
			if err != nil {
				return written, err
			}
			bars = append(bars, bar)
		}
		if err := g.store.WriteBars(ctx, g.market, bars); err != nil {
			return written, err
		}
		written += len(bars)

		next := page[len(page)-1].OpenTime + 1
		if len(page) < g.batchSize || next <= startMs {
			break
		}
		startMs = next
	}
	return written, nil
}

// klineToBar converts a kline's decimal strings into a Bar. VWAP is quote
// volume over base volume, or the close when nothing traded.
func klineToBar(symbol string, k *futures.Kline) (domain.Bar, error) {
	var open, high, low, cls, vol, quote decimal.Decimal
	parse := func(name, raw string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("kline %s at %d: %s %q: %w", symbol, k.OpenTime, name, raw, err)
		}
		return d, nil
	}
	var err error
	if open, err = parse("open", k.Open); err != nil {
		return domain.Bar{}, err
	}
	if high, err = parse("high", k.High); err != nil {
		return domain.Bar{}, err
	}
	if low, err = parse("low", k.Low); err != nil {
		return domain.Bar{}, err
	}
	if cls, err = parse("close", k.Close); err != nil {
		return domain.Bar{}, err
	}
	if vol, err = parse("volume", k.Volume); err != nil {
		return domain.Bar{}, err
	}
	quote = decimal.Zero
	if k.QuoteAssetVolume != "" {
		if quote, err = parse("quote volume", k.QuoteAssetVolume); err != nil {
			return domain.Bar{}, err
		}
	}

	vwap := cls
	if vol.IsPositive() && quote.IsPositive() {
		vwap = quote.Div(vol)
	}

	return domain.Bar{
		Symbol:     symbol,
		Timestamp:  time.UnixMilli(k.OpenTime).UTC(),
		Open:       open.InexactFloat64(),
		High:       high.InexactFloat64(),
		Low:        low.InexactFloat64(),
		Close:      cls.InexactFloat64(),
		Volume:     vol.InexactFloat64(),
		TradeCount: k.TradeNum,
		VWAP:       vwap.InexactFloat64(),
	}, nil
}
