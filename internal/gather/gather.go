// Package gather fills the bar store from market data providers and local
// files.
package gather

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches everything the gatherer was configured for and writes it
	// to its store. It returns early when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses YYYY-MM-DD bounds in UTC. An empty end means now.
// The end date is inclusive.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parsing start date %q: %w", start, err)
	}
	e := time.Now().UTC()
	if end != "" {
		if e, err = time.Parse(time.DateOnly, end); err != nil {
			return DateRange{}, fmt.Errorf("parsing end date %q: %w", end, err)
		}
		e = e.Add(24*time.Hour - time.Nanosecond)
	}
	if e.Before(s) {
		return DateRange{}, fmt.Errorf("end %s is before start %s", e.Format(time.DateOnly), start)
	}
	return DateRange{Start: s, End: e}, nil
}

// newLimiter converts a per-minute request budget into a limiter. A
// non-positive budget disables limiting.
func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60), 1)
}

// parseNumber parses a decimal string as exchanges and CSV exports print
// them.
func parseNumber(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func upperSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
