package report

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed formats v rounded to places decimals. Non-finite values, which
// decimal cannot hold, print as "inf", "-inf" or "n/a".
func Fixed(v float64, places int32) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}

// FormatMoney formats an account value with two decimals and comma
// separators, e.g. "-12,345.67".
func FormatMoney(v float64) string {
	s := Fixed(v, 2)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return s
	}
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	return sign + groupThousands(whole) + "." + frac
}

// FormatPercent formats a value already expressed in percent, e.g. "12.34%".
func FormatPercent(v float64) string {
	return Fixed(v, 2) + "%"
}

// FormatRatio formats a dimensionless ratio with three decimals.
func FormatRatio(v float64) string {
	return Fixed(v, 3)
}

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + groupThousands(fmt.Sprintf("%d", -n))
	}
	return groupThousands(fmt.Sprintf("%d", n))
}

// FormatCount formats a count, using a K suffix for large values.
func FormatCount(n int) string {
	if n >= 100_000 {
		return fmt.Sprintf("%.0fK", float64(n)/1e3)
	}
	return FormatInt(n)
}

// FormatDuration formats a holding period in days and hours, e.g. "3d 4h".
// Spans under an hour print in minutes.
func FormatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Round(time.Minute)/time.Minute))
	}
	h := int(d.Round(time.Hour) / time.Hour)
	if h < 24 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd %dh", h/24, h%24)
}

func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
