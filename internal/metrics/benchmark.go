package metrics

import "math"

// BenchmarkComparison relates strategy returns to an external benchmark
// return series aligned bar by bar.
type BenchmarkComparison struct {
	Observations     int
	Correlation      float64
	Beta             float64
	Alpha            float64 // annualised
	InformationRatio float64
	TrackingError    float64
	BenchmarkReturn  float64 // compounded over the aligned window, percent
}

// compareBenchmark aligns returns and bench by position and drops the
// unmatched tail. It returns nil when fewer than two pairs remain.
func compareBenchmark(returns, bench []float64, rfDaily float64) *BenchmarkComparison {
	n := min(len(returns), len(bench))
	if n < 2 {
		return nil
	}
	s, b := returns[:n], bench[:n]

	ms, mb := mean(s), mean(b)
	sdS, sdB := stddev(s, ms), stddev(b, mb)
	cov := covariance(s, b)

	c := &BenchmarkComparison{Observations: n}
	if sdS > 0 && sdB > 0 {
		c.Correlation = cov / (sdS * sdB)
	}
	if sdB > 0 {
		c.Beta = cov / (sdB * sdB)
	}
	c.Alpha = (ms - (rfDaily + c.Beta*(mb-rfDaily))) * TradingDays

	excess := make([]float64, n)
	for i := range s {
		excess[i] = s[i] - b[i]
	}
	me := mean(excess)
	te := stddev(excess, me)
	c.TrackingError = te * math.Sqrt(TradingDays)
	if te > 0 {
		c.InformationRatio = me / te * math.Sqrt(TradingDays)
	}

	growth := 1.0
	for _, r := range b {
		growth *= 1 + r
	}
	c.BenchmarkReturn = (growth - 1) * 100
	return c
}
