// Package montecarlo resamples the trade PnLs of a finished run to estimate
// how much of its result depends on the order the trades happened in.
package montecarlo

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"tradelab/internal/domain"
	"tradelab/internal/metrics"
	"tradelab/internal/util"
)

// Summary describes the distribution of one simulated quantity.
type Summary struct {
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
	P5     float64
	P95    float64
}

// Distribution is the aggregate outcome of a Monte Carlo run.
type Distribution struct {
	Simulations       int
	Trades            int
	Seed              uint64
	FinalEquity       Summary
	MaxDrawdownPct    Summary
	ProbabilityProfit float64 // percent of paths ending above initial capital
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the simulator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Simulator) { s.log = log }
}

// Simulator draws bootstrap paths from a trade list. It keeps no state
// between calls and is safe for concurrent use.
type Simulator struct {
	log *slog.Logger
}

// NewSimulator creates a Simulator.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{}
	for _, opt := range opts {
		opt(s)
	}
	s.log = util.OrDiscard(s.log).With("component", "montecarlo")
	return s
}

// Simulate replays n paths of len(trades) PnLs drawn with replacement,
// starting from initialCapital. The same seed always yields the same
// Distribution. No trades or a non-positive n yields the zero Distribution.
func (s *Simulator) Simulate(trades []domain.Trade, initialCapital float64, n int, seed uint64) Distribution {
	if len(trades) == 0 || n <= 0 {
		return Distribution{}
	}

	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	finals := make([]float64, n)
	drawdowns := make([]float64, n)
	var profitable int
	for i := range n {
		finals[i], drawdowns[i] = replay(rng, pnls, initialCapital)
		if finals[i] > initialCapital {
			profitable++
		}
	}

	d := Distribution{
		Simulations:       n,
		Trades:            len(trades),
		Seed:              seed,
		FinalEquity:       summarize(finals),
		MaxDrawdownPct:    summarize(drawdowns),
		ProbabilityProfit: float64(profitable) / float64(n) * 100,
	}
	s.log.Debug("monte carlo finished",
		"simulations", n,
		"trades", len(trades),
		"seed", seed,
		"p_profit", d.ProbabilityProfit,
	)
	return d
}

// replay builds one synthetic path and returns its final equity and
// maximum drawdown in percent.
func replay(rng *rand.Rand, pnls []float64, start float64) (float64, float64) {
	equity, peak := start, start
	var maxDD float64
	for range pnls {
		equity += pnls[rng.IntN(len(pnls))]
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return equity, maxDD
}

// summarize sorts xs in place.
func summarize(xs []float64) Summary {
	sort.Float64s(xs)
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	var sumSq float64
	for _, x := range xs {
		sumSq += (x - m) * (x - m)
	}
	return Summary{
		Mean:   m,
		Median: metrics.PercentileSorted(xs, 50),
		StdDev: math.Sqrt(sumSq / float64(len(xs))),
		Min:    xs[0],
		Max:    xs[len(xs)-1],
		P5:     metrics.PercentileSorted(xs, 5),
		P95:    metrics.PercentileSorted(xs, 95),
	}
}
