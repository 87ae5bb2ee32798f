package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	// Verify enum constants are defined correctly.
	if SideLong != "LONG" || SideShort != "SHORT" {
		t.Error("Side constants have unexpected values")
	}
	if ExitStopLoss != "stop_loss" || ExitMarginCall != "margin_call" {
		t.Error("ExitReason constants have unexpected values")
	}

	signal := Signal{
		Symbol:     "AAPL",
		Side:       SideLong,
		StopLoss:   Price(95),
		Confidence: 0.85,
		Reason:     "breakout",
	}
	if *signal.StopLoss != 95 {
		t.Errorf("signal.StopLoss = %v, want 95", *signal.StopLoss)
	}
	if signal.TakeProfit != nil {
		t.Error("expected nil TakeProfit")
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	now := time.Now()
	long := Position{Side: SideLong, EntryPrice: 100, Size: 2, EntryTime: now}
	short := Position{Side: SideShort, EntryPrice: 100, Size: 2, EntryTime: now}

	if got := long.UnrealizedPnL(110); got != 20 {
		t.Errorf("long.UnrealizedPnL(110) = %v, want 20", got)
	}
	if got := short.UnrealizedPnL(110); got != -20 {
		t.Errorf("short.UnrealizedPnL(110) = %v, want -20", got)
	}
	if got := long.Notional(); got != 200 {
		t.Errorf("long.Notional() = %v, want 200", got)
	}
}

func TestSpeedModeValid(t *testing.T) {
	for _, m := range []SpeedMode{SpeedFast, SpeedNormal, SpeedSlow, SpeedRealtime, SpeedHFTTest} {
		if !m.Valid() {
			t.Errorf("%q.Valid() = false, want true", m)
		}
	}
	if SpeedMode("TURBO").Valid() {
		t.Error(`"TURBO".Valid() = true, want false`)
	}
}

func TestBacktestConfigValidate(t *testing.T) {
	if err := DefaultBacktestConfig().Validate(); err != nil {
		t.Fatalf("DefaultBacktestConfig().Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*BacktestConfig)
	}{
		{"zero capital", func(c *BacktestConfig) { c.InitialCapital = 0 }},
		{"negative commission", func(c *BacktestConfig) { c.Commission = -0.1 }},
		{"slippage of one", func(c *BacktestConfig) { c.SlippagePct = 1 }},
		{"unknown speed mode", func(c *BacktestConfig) { c.SpeedMode = "WARP" }},
		{"no positions allowed", func(c *BacktestConfig) { c.MaxPositions = 0 }},
		{"oversized positions", func(c *BacktestConfig) { c.PositionSizePct = 1.5 }},
		{"margin level above one", func(c *BacktestConfig) { c.MarginCallLevel = 1.2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultBacktestConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
