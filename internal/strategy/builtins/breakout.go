package builtins

import (
	"context"

	"tradelab/internal/domain"
	"tradelab/internal/strategy"
)

var _ strategy.Strategy = (*Breakout)(nil)

// Breakout trades closes outside the Donchian channel of the previous
// lookback bars. The stop sits on the opposite channel edge and the target
// at riskReward times that distance.
type Breakout struct {
	lookback   int
	riskReward float64
	symbol     string

	highs []float64
	lows  []float64
}

// NewBreakout creates a Breakout strategy over the given channel length.
func NewBreakout(lookback int, riskReward float64, symbol string) *Breakout {
	return &Breakout{lookback: lookback, riskReward: riskReward, symbol: symbol}
}

// Name returns "breakout".
func (b *Breakout) Name() string { return "breakout" }

// Init resets the channel window.
func (b *Breakout) Init(_ context.Context) error {
	b.highs = b.highs[:0]
	b.lows = b.lows[:0]
	return nil
}

// OnBar compares the close against the channel built from earlier bars and
// then rolls the current bar into the window.
func (b *Breakout) OnBar(_ context.Context, bar domain.Bar) (*domain.Signal, error) {
	if b.symbol != "" && bar.Symbol != b.symbol {
		return nil, nil
	}
	defer b.push(bar)

	if len(b.highs) < b.lookback {
		return nil, nil
	}
	upper, lower := channel(b.highs, b.lows)

	switch {
	case bar.Close > upper:
		risk := bar.Close - lower
		return &domain.Signal{
			Symbol:     bar.Symbol,
			Side:       domain.SideLong,
			StopLoss:   domain.Price(lower),
			TakeProfit: domain.Price(bar.Close + risk*b.riskReward),
			Confidence: 1,
			Reason:     "close above channel",
		}, nil
	case bar.Close < lower:
		risk := upper - bar.Close
		return &domain.Signal{
			Symbol:     bar.Symbol,
			Side:       domain.SideShort,
			StopLoss:   domain.Price(upper),
			TakeProfit: domain.Price(bar.Close - risk*b.riskReward),
			Confidence: 1,
			Reason:     "close below channel",
		}, nil
	}
	return nil, nil
}

func (b *Breakout) push(bar domain.Bar) {
	b.highs = append(b.highs, bar.High)
	b.lows = append(b.lows, bar.Low)
	if len(b.highs) > b.lookback {
		b.highs = b.highs[1:]
		b.lows = b.lows[1:]
	}
}

func channel(highs, lows []float64) (upper, lower float64) {
	upper, lower = highs[0], lows[0]
	for i := 1; i < len(highs); i++ {
		if highs[i] > upper {
			upper = highs[i]
		}
		if lows[i] < lower {
			lower = lows[i]
		}
	}
	return upper, lower
}
