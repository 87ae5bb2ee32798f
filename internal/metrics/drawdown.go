package metrics

import (
	"math"
	"time"

	"tradelab/internal/domain"
)

// Drawdown describes the decline of an equity curve from its running peak.
type Drawdown struct {
	Series      []float64 // per-bar drawdown in percent, always <= 0
	MaxPct      float64
	CurrentPct  float64
	AveragePct  float64 // mean depth over bars below the peak
	MaxDuration int     // longest below-peak stretch in calendar days
	UlcerIndex  float64
}

// AnalyzeDrawdown computes the drawdown profile of curve.
func AnalyzeDrawdown(curve []domain.EquityPoint) Drawdown {
	var dd Drawdown
	if len(curve) == 0 {
		return dd
	}

	dd.Series = make([]float64, len(curve))
	peak := curve[0].Equity
	var sumSq, sumBelow float64
	var below int
	for i, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		var v float64
		if peak != 0 {
			v = (p.Equity - peak) / peak * 100
		}
		dd.Series[i] = v
		sumSq += v * v
		if v < 0 {
			sumBelow += -v
			below++
		}
		if -v > dd.MaxPct {
			dd.MaxPct = -v
		}
	}

	dd.CurrentPct = math.Abs(dd.Series[len(dd.Series)-1])
	if below > 0 {
		dd.AveragePct = sumBelow / float64(below)
	}
	dd.UlcerIndex = math.Sqrt(sumSq / float64(len(curve)))
	dd.MaxDuration = longestDrawdown(curve, dd.Series)
	return dd
}

// longestDrawdown scans the below-peak flags for the longest contiguous
// stretch, measured from the first bar below the peak to the bar that
// recovers it, or to the last bar when the stretch never recovers.
func longestDrawdown(curve []domain.EquityPoint, series []float64) int {
	var longest int
	start := -1
	measure := func(from, to int) {
		if d := calendarDays(curve[from].Timestamp, curve[to].Timestamp); d > longest {
			longest = d
		}
	}
	for i, v := range series {
		switch {
		case v < 0 && start < 0:
			start = i
		case v >= 0 && start >= 0:
			measure(start, i)
			start = -1
		}
	}
	if start >= 0 {
		measure(start, len(series)-1)
	}
	return longest
}

func calendarDays(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	a := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
