// Package domain defines the core ledger types shared by the simulation
// engine, the analytics packages and the storage layer.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of a position or signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long and -1 for short exposure.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitMarginCall ExitReason = "margin_call"
	ExitManual     ExitReason = "manual"
)

// SpeedMode controls replay pacing. It never changes simulation results.
type SpeedMode string

const (
	SpeedFast     SpeedMode = "FAST"
	SpeedNormal   SpeedMode = "NORMAL"
	SpeedSlow     SpeedMode = "SLOW"
	SpeedRealtime SpeedMode = "REALTIME"
	SpeedHFTTest  SpeedMode = "HFT_TEST"
)

// Valid reports whether m is one of the known speed modes.
func (m SpeedMode) Valid() bool {
	switch m {
	case SpeedFast, SpeedNormal, SpeedSlow, SpeedRealtime, SpeedHFTTest:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Market data and signals
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	VWAP       float64
}

// Signal is a request from a signal source to open a position.
type Signal struct {
	Symbol     string
	Side       Side
	StopLoss   *float64
	TakeProfit *float64
	Confidence float64
	Reason     string
}

// Price returns a pointer to v, for the optional price fields on Signal and
// Position.
func Price(v float64) *float64 {
	return &v
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// Position is an open exposure created by a filled signal.
type Position struct {
	Ticket         int64
	Symbol         string
	Side           Side
	EntryPrice     float64
	EntryTime      time.Time
	Size           float64
	StopLoss       *float64
	TakeProfit     *float64
	CommissionPaid float64
}

// Notional returns the entry notional value of the position.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// UnrealizedPnL returns the gross mark-to-market PnL at price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Size * p.Side.Sign()
}

// Trade is a closed position. Trades are immutable once created.
type Trade struct {
	Ticket     int64
	Symbol     string
	Side       Side
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	Size       float64
	PnL        float64
	Commission float64
	ExitReason ExitReason
}

// EquityPoint is one sample of account value, taken once per bar.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// ---------------------------------------------------------------------------
// Backtest configuration
// ---------------------------------------------------------------------------

// BacktestConfig parameterises one simulation run.
type BacktestConfig struct {
	InitialCapital     float64       `json:"initial_capital"`
	Commission         float64       `json:"commission"`
	SlippagePct        float64       `json:"slippage_pct"`
	SpeedMode          SpeedMode     `json:"speed_mode"`
	SpeedDelay         time.Duration `json:"speed_delay"`
	MaxPositions       int           `json:"max_positions"`
	PositionSizePct    float64       `json:"position_size_pct"`
	StopOnMarginCall   bool          `json:"stop_on_margin_call"`
	MarginCallLevel    float64       `json:"margin_call_level"`
	EnableShortSelling bool          `json:"enable_short_selling"`
	CloseOpenAtEnd     bool          `json:"close_open_at_end"`
}

// DefaultBacktestConfig returns the settings used when a config file leaves
// the backtest section empty.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		InitialCapital:     10000,
		Commission:         0.001,
		SlippagePct:        0.0005,
		SpeedMode:          SpeedFast,
		SpeedDelay:         100 * time.Millisecond,
		MaxPositions:       5,
		PositionSizePct:    0.1,
		StopOnMarginCall:   true,
		MarginCallLevel:    0.5,
		EnableShortSelling: true,
		CloseOpenAtEnd:     true,
	}
}

// ErrInvalidConfig is wrapped by every BacktestConfig validation failure.
var ErrInvalidConfig = errors.New("invalid backtest config")

// Validate checks the config for values no run can start with.
func (c BacktestConfig) Validate() error {
	switch {
	case c.InitialCapital <= 0:
		return fmt.Errorf("%w: initial_capital must be positive, got %v", ErrInvalidConfig, c.InitialCapital)
	case c.Commission < 0 || c.Commission >= 1:
		return fmt.Errorf("%w: commission must be in [0, 1), got %v", ErrInvalidConfig, c.Commission)
	case c.SlippagePct < 0 || c.SlippagePct >= 1:
		return fmt.Errorf("%w: slippage_pct must be in [0, 1), got %v", ErrInvalidConfig, c.SlippagePct)
	case !c.SpeedMode.Valid():
		return fmt.Errorf("%w: unknown speed_mode %q", ErrInvalidConfig, c.SpeedMode)
	case c.SpeedDelay < 0:
		return fmt.Errorf("%w: speed_delay must not be negative", ErrInvalidConfig)
	case c.MaxPositions < 1:
		return fmt.Errorf("%w: max_positions must be at least 1, got %d", ErrInvalidConfig, c.MaxPositions)
	case c.PositionSizePct <= 0 || c.PositionSizePct > 1:
		return fmt.Errorf("%w: position_size_pct must be in (0, 1], got %v", ErrInvalidConfig, c.PositionSizePct)
	case c.MarginCallLevel < 0 || c.MarginCallLevel > 1:
		return fmt.Errorf("%w: margin_call_level must be in [0, 1], got %v", ErrInvalidConfig, c.MarginCallLevel)
	}
	return nil
}
