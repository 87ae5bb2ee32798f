package engine

import (
	"tradelab/internal/domain"
)

// RejectReason explains why a signal was not filled.
type RejectReason string

const (
	RejectMaxPositions     RejectReason = "max_positions"
	RejectShortDisabled    RejectReason = "short_disabled"
	RejectInvalidSide      RejectReason = "invalid_side"
	RejectSymbolMismatch   RejectReason = "symbol_mismatch"
	RejectNonPositiveSize  RejectReason = "non_positive_size"
	RejectInsufficientCash RejectReason = "insufficient_cash"
	RejectBrokerError      RejectReason = "broker_error"
)

// RiskManager enforces the admission rules applied to every signal before
// it reaches the broker, and sizes admitted positions.
type RiskManager struct {
	maxPositions    int
	positionSizePct float64
	allowShorts     bool
}

// NewRiskManager creates a RiskManager from the run configuration.
//
//   - MaxPositions caps the number of simultaneously open positions.
//   - PositionSizePct is the fraction of current equity committed to each
//     new position.
//   - EnableShortSelling gates SHORT signals.
func NewRiskManager(cfg domain.BacktestConfig) *RiskManager {
	return &RiskManager{
		maxPositions:    cfg.MaxPositions,
		positionSizePct: cfg.PositionSizePct,
		allowShorts:     cfg.EnableShortSelling,
	}
}

// Admit evaluates sig against the bar it arrived on and the number of open
// positions. It returns the empty reason when the signal may proceed to
// sizing.
func (rm *RiskManager) Admit(sig domain.Signal, bar domain.Bar, open int) RejectReason {
	switch {
	case open >= rm.maxPositions:
		return RejectMaxPositions
	case !sig.Side.Valid():
		return RejectInvalidSide
	case sig.Side == domain.SideShort && !rm.allowShorts:
		return RejectShortDisabled
	case bar.Symbol != "" && sig.Symbol != bar.Symbol:
		return RejectSymbolMismatch
	}
	return ""
}

// Size returns the quantity to trade at price given the current equity.
// Sizing follows running equity, not initial capital.
func (rm *RiskManager) Size(equity, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return equity * rm.positionSizePct / price
}
