package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradelab/internal/backtest"
	"tradelab/internal/domain"
	"tradelab/internal/engine"
	"tradelab/internal/metrics"
	"tradelab/internal/store"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"money", FormatMoney(1234567.891), "1,234,567.89"},
		{"negative money", FormatMoney(-12345.6), "-12,345.60"},
		{"small money", FormatMoney(999.5), "999.50"},
		{"infinite money", FormatMoney(math.Inf(1)), "inf"},
		{"percent", FormatPercent(12.3456), "12.35%"},
		{"ratio", FormatRatio(1.66666), "1.667"},
		{"infinite ratio", FormatRatio(math.Inf(1)), "inf"},
		{"nan", Fixed(math.NaN(), 2), "n/a"},
		{"int", FormatInt(1234567), "1,234,567"},
		{"negative int", FormatInt(-4500), "-4,500"},
		{"short int", FormatInt(42), "42"},
		{"count", FormatCount(250_000), "250K"},
		{"minutes", FormatDuration(30 * time.Minute), "30m"},
		{"hours", FormatDuration(5 * time.Hour), "5h"},
		{"days", FormatDuration(52 * time.Hour), "2d 4h"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func sampleReport() *backtest.Report {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	cfg := domain.DefaultBacktestConfig()
	return &backtest.Report{
		ID:        uuid.New(),
		CreatedAt: start,
		Request: backtest.Request{
			Strategies:      []string{"sma-cross", "breakout"},
			Symbol:          "SPY",
			Market:          "us",
			Start:           start,
			End:             start.AddDate(0, 1, 0),
			BenchmarkSymbol: "QQQ",
			Config:          cfg,
		},
		Result: &engine.RunResult{
			Config:        cfg,
			BarsProcessed: 21,
			Snapshot: engine.Snapshot{
				FinalEquity:    10079.2079,
				TotalReturnPct: 0.792079,
				Rejections: map[engine.RejectReason]int{
					engine.RejectMaxPositions:     2,
					engine.RejectInsufficientCash: 1,
				},
			},
		},
		Metrics: metrics.Metrics{
			TotalTrades:   3,
			WinningTrades: 2,
			LosingTrades:  1,
			OmegaRatio:    math.Inf(1),
			Benchmark:     &metrics.BenchmarkComparison{Observations: 20, Beta: 0.8},
		},
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"10,079.21",
		"sma-cross, breakout",
		"insufficient_cash=1 max_positions=2",
		"QQQ (20 obs)",
		"3 (2 won, 1 lost)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Monte Carlo") {
		t.Error("summary shows Monte Carlo section for a run without simulations")
	}
}

func TestWriteRun(t *testing.T) {
	r := sampleReport()
	rec := r.Record()
	rec.Trades = []domain.Trade{{
		Ticket: 1, Side: domain.SideLong,
		EntryPrice: 101, ExitPrice: 109, Size: 9.900990,
		PnL: 79.2079, ExitReason: domain.ExitManual,
	}}

	var buf bytes.Buffer
	if err := WriteRun(&buf, rec); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"TICKET", "manual", "79.21", "SPY (us)"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteRunList(&buf, []store.RunSummary{rec.RunSummary}); err != nil {
		t.Fatalf("WriteRunList: %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("run list has %d lines, want 2", lines)
	}
}
