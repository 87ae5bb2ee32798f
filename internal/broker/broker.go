// Package broker defines the Broker interface used by the simulation engine
// and provides the in-memory SimulatorBroker that keeps the backtest ledger.
package broker

import (
	"errors"
	"time"

	"tradelab/internal/domain"
)

var (
	// ErrInsufficientCash is returned by Open when notional plus commission
	// exceeds available cash.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrUnknownTicket is returned by Close for a ticket that is not open.
	ErrUnknownTicket = errors.New("unknown ticket")

	// ErrInvalidSize is returned by Open for a non-positive size.
	ErrInvalidSize = errors.New("position size must be positive")
)

// Broker abstracts the account the engine trades against.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// EntryPrice returns the fill price for opening side at the quoted price.
	EntryPrice(side domain.Side, price float64) float64

	// Open fills a new position of size at the quoted price.
	Open(sig domain.Signal, price, size float64, ts time.Time) (*domain.Position, error)

	// Close fills the exit of an open position at the quoted price and
	// returns the resulting trade.
	Close(ticket int64, price float64, ts time.Time, reason domain.ExitReason) (domain.Trade, error)

	// Positions returns copies of the open positions in the order they were
	// opened.
	Positions() []domain.Position

	// Cash returns uncommitted cash.
	Cash() float64

	// Equity returns cash plus the marked value of all open positions.
	Equity(marks map[string]float64) float64
}
