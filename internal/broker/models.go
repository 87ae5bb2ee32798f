package broker

import "tradelab/internal/domain"

// SlippageModel adjusts a quoted price against the trader.
type SlippageModel interface {
	// Apply returns the fill price for a fill on side. opening is true for
	// the entry leg and false for the exit leg.
	Apply(side domain.Side, price float64, opening bool) float64
}

// PercentSlippage moves buys up and sells down by a fixed fraction.
type PercentSlippage struct{ Pct float64 }

// Apply implements SlippageModel. Opening a long and closing a short are
// buys; the other two legs are sells.
func (s PercentSlippage) Apply(side domain.Side, price float64, opening bool) float64 {
	buying := (side == domain.SideLong) == opening
	if buying {
		return price * (1 + s.Pct)
	}
	return price * (1 - s.Pct)
}

// FeeModel computes the commission for one fill.
type FeeModel interface {
	Compute(price, size float64) float64
}

// PercentCommission charges a fraction of fill notional.
type PercentCommission struct{ Rate float64 }

// Compute implements FeeModel.
func (c PercentCommission) Compute(price, size float64) float64 {
	return size * price * c.Rate
}
