// Package builtins provides the signal sources that ship with tradelab.
package builtins

import (
	"context"
	"math"

	"tradelab/internal/domain"
	"tradelab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It
// generates a long signal when the short-period SMA crosses above the
// long-period SMA, and a short signal when it crosses below.
type SMACross struct {
	shortPeriod   int
	longPeriod    int
	stopPct       float64
	takeProfitPct float64
	symbol        string

	closes   []float64
	prevDiff float64
	primed   bool
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods. stopPct and takeProfitPct place protective
// levels at that fraction away from the signal bar's close; zero disables
// the level. An empty symbol accepts bars of any symbol.
func NewSMACross(short, long int, stopPct, takeProfitPct float64, symbol string) *SMACross {
	return &SMACross{
		shortPeriod:   short,
		longPeriod:    long,
		stopPct:       stopPct,
		takeProfitPct: takeProfitPct,
		symbol:        symbol,
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init resets the price history.
func (s *SMACross) Init(_ context.Context) error {
	s.closes = make([]float64, 0, s.longPeriod)
	s.prevDiff = 0
	s.primed = false
	return nil
}

// OnBar appends the close to the rolling window and emits a signal on the
// bar where the short SMA crosses the long SMA.
func (s *SMACross) OnBar(_ context.Context, bar domain.Bar) (*domain.Signal, error) {
	if s.symbol != "" && bar.Symbol != s.symbol {
		return nil, nil
	}

	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.longPeriod {
		s.closes = s.closes[len(s.closes)-s.longPeriod:]
	}
	if len(s.closes) < s.longPeriod {
		return nil, nil
	}

	longSMA := sma(s.closes)
	diff := sma(s.closes[len(s.closes)-s.shortPeriod:]) - longSMA
	prev, primed := s.prevDiff, s.primed
	s.prevDiff, s.primed = diff, true
	if !primed {
		return nil, nil
	}

	var side domain.Side
	switch {
	case prev <= 0 && diff > 0:
		side = domain.SideLong
	case prev >= 0 && diff < 0:
		side = domain.SideShort
	default:
		return nil, nil
	}

	sig := &domain.Signal{
		Symbol:     bar.Symbol,
		Side:       side,
		StopLoss:   protectiveLevel(bar.Close, s.stopPct, -side.Sign()),
		TakeProfit: protectiveLevel(bar.Close, s.takeProfitPct, side.Sign()),
		Confidence: math.Min(1, math.Abs(diff)/longSMA*100),
		Reason:     "sma crossover",
	}
	return sig, nil
}

func sma(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// protectiveLevel returns price moved by pct in direction dir, or nil when
// pct is not positive.
func protectiveLevel(price, pct, dir float64) *float64 {
	if pct <= 0 {
		return nil
	}
	return domain.Price(price * (1 + dir*pct))
}
