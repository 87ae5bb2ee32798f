// Package metrics reduces a finished backtest (equity curve, closed trades
// and starting capital) to a fixed set of performance statistics.
package metrics

import (
	"log/slog"
	"math"
	"time"

	"tradelab/internal/domain"
	"tradelab/internal/util"
)

// Metrics is the performance report of one run. Percentages are expressed
// in percent; VaR95 and CVaR95 are per-bar fractional returns.
type Metrics struct {
	// Returns
	FinalEquity         float64
	NetProfit           float64
	TotalReturnPct      float64
	AnnualizedReturnPct float64
	VolatilityPct       float64 // annualised

	// Risk-adjusted
	SharpeRatio  float64
	SortinoRatio float64
	CalmarRatio  float64
	OmegaRatio   float64

	// Drawdown
	MaxDrawdownPct          float64
	CurrentDrawdownPct      float64
	AverageDrawdownPct      float64
	MaxDrawdownDurationDays int
	UlcerIndex              float64

	// Tail risk
	VaR95  float64
	CVaR95 float64

	// Trades
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	WinRate              float64 // fraction in [0, 1]
	GrossProfit          float64
	GrossLoss            float64 // positive magnitude
	ProfitFactor         float64
	AvgWin               float64
	AvgLoss              float64 // positive magnitude
	LargestWin           float64
	LargestLoss          float64
	Expectancy           float64
	TotalCommission      float64
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AvgHoldingPeriod     time.Duration

	Benchmark *BenchmarkComparison
}

// Option configures a Suite.
type Option func(*Suite)

// WithLogger sets the suite's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Suite) { s.log = log }
}

// WithRiskFreeRate sets the annual risk-free rate used for excess returns.
func WithRiskFreeRate(rate float64) Option {
	return func(s *Suite) { s.riskFree = rate }
}

// Suite computes Metrics. It holds no per-call state and is safe for
// concurrent use.
type Suite struct {
	log      *slog.Logger
	riskFree float64
}

// NewSuite creates a Suite. The risk-free rate defaults to zero.
func NewSuite(opts ...Option) *Suite {
	s := &Suite{}
	for _, opt := range opts {
		opt(s)
	}
	s.log = util.OrDiscard(s.log).With("component", "metrics")
	return s
}

// RiskFreeRate returns the configured annual risk-free rate.
func (s *Suite) RiskFreeRate() float64 {
	return s.riskFree
}

// Calculate computes the report for a finished run. benchmarkReturns may
// be nil. An empty equity curve or trade list yields the zero Metrics. The
// inputs are not modified.
func (s *Suite) Calculate(equity []domain.EquityPoint, trades []domain.Trade, initialCapital float64, benchmarkReturns []float64) Metrics {
	var m Metrics
	if len(equity) == 0 || len(trades) == 0 {
		s.log.Debug("nothing to measure", "equity_points", len(equity), "trades", len(trades))
		return m
	}

	returns := Returns(equity)
	rfDaily := s.riskFree / TradingDays

	m.FinalEquity = equity[len(equity)-1].Equity
	if initialCapital > 0 {
		m.TotalReturnPct = (m.FinalEquity - initialCapital) / initialCapital * 100
	}
	m.AnnualizedReturnPct = annualize(m.TotalReturnPct/100, len(returns)) * 100
	m.VolatilityPct = stddev(returns, mean(returns)) * math.Sqrt(TradingDays) * 100

	m.SharpeRatio = sharpe(returns, rfDaily)
	m.SortinoRatio = sortino(returns, rfDaily)
	m.OmegaRatio = omega(returns, 0)

	dd := AnalyzeDrawdown(equity)
	m.MaxDrawdownPct = dd.MaxPct
	m.CurrentDrawdownPct = dd.CurrentPct
	m.AverageDrawdownPct = dd.AveragePct
	m.MaxDrawdownDurationDays = dd.MaxDuration
	m.UlcerIndex = dd.UlcerIndex
	if dd.MaxPct > 0 {
		m.CalmarRatio = (m.AnnualizedReturnPct / 100) / (dd.MaxPct / 100)
	}

	m.VaR95, m.CVaR95 = valueAtRisk(returns, 5)

	tradeStats(&m, trades)

	if len(benchmarkReturns) > 0 {
		m.Benchmark = compareBenchmark(returns, benchmarkReturns, rfDaily)
	}

	s.log.Debug("metrics calculated",
		"trades", m.TotalTrades,
		"return_pct", m.TotalReturnPct,
		"sharpe", m.SharpeRatio,
		"max_dd_pct", m.MaxDrawdownPct,
	)
	return m
}

// Returns converts an equity curve into per-bar fractional returns.
func Returns(equity []domain.EquityPoint) []float64 {
	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.Equity
	}
	return pctChange(values)
}

// annualize compounds total over periods bars as if a year held
// TradingDays of them, matching the scaling of the per-bar ratios.
func annualize(total float64, periods int) float64 {
	if periods <= 0 {
		return total
	}
	if total <= -1 {
		return -1
	}
	return math.Pow(1+total, TradingDays/float64(periods)) - 1
}

func sharpe(returns []float64, rfDaily float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - rfDaily
	}
	m := mean(excess)
	sd := stddev(excess, m)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(TradingDays)
}

// sortino divides the mean excess return by the sample standard deviation
// of the negative excess returns.
func sortino(returns []float64, rfDaily float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := make([]float64, len(returns))
	var downside []float64
	for i, r := range returns {
		excess[i] = r - rfDaily
		if excess[i] < 0 {
			downside = append(downside, excess[i])
		}
	}
	sd := stddev(downside, mean(downside))
	if sd == 0 {
		return 0
	}
	return mean(excess) / sd * math.Sqrt(TradingDays)
}

func omega(returns []float64, threshold float64) float64 {
	var gains, losses float64
	for _, r := range returns {
		switch {
		case r > threshold:
			gains += r - threshold
		case r < threshold:
			losses += threshold - r
		}
	}
	if losses == 0 {
		if gains > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return gains / losses
}

// valueAtRisk returns the p-th percentile of returns and the mean of all
// returns at or below it.
func valueAtRisk(returns []float64, p float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	v := percentile(returns, p)
	var tail []float64
	for _, r := range returns {
		if r <= v {
			tail = append(tail, r)
		}
	}
	return v, mean(tail)
}

// tradeStats fills the trade-level fields of m. Trades are taken in close
// order; a zero-PnL trade is neither a win nor a loss and breaks both
// streaks.
func tradeStats(m *Metrics, trades []domain.Trade) {
	var (
		wins, losses   int
		winRun, lossRn int
		holding        time.Duration
	)
	for _, t := range trades {
		m.NetProfit += t.PnL
		m.TotalCommission += t.Commission
		holding += t.ExitTime.Sub(t.EntryTime)

		switch {
		case t.PnL > 0:
			wins++
			m.GrossProfit += t.PnL
			m.LargestWin = max(m.LargestWin, t.PnL)
			winRun++
			lossRn = 0
		case t.PnL < 0:
			losses++
			m.GrossLoss += -t.PnL
			m.LargestLoss = min(m.LargestLoss, t.PnL)
			lossRn++
			winRun = 0
		default:
			winRun, lossRn = 0, 0
		}
		m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, winRun)
		m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, lossRn)
	}

	n := len(trades)
	m.TotalTrades = n
	m.WinningTrades = wins
	m.LosingTrades = losses
	m.AvgHoldingPeriod = holding / time.Duration(n)
	m.WinRate = float64(wins) / float64(n)
	if wins > 0 {
		m.AvgWin = m.GrossProfit / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = m.GrossLoss / float64(losses)
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}
	m.Expectancy = m.WinRate*m.AvgWin - (1-m.WinRate)*m.AvgLoss
}
