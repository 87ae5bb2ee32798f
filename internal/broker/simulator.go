package broker

import (
	"fmt"
	"time"

	"tradelab/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for backtesting. It keeps
// cash, open positions and the ticket sequence in memory. A SimulatorBroker
// belongs to exactly one run; tickets start at 1 and are never reused within
// it.
type SimulatorBroker struct {
	cash       float64
	positions  []*domain.Position
	nextTicket int64
	slippage   SlippageModel
	fees       FeeModel
}

// NewSimulatorBroker creates a SimulatorBroker holding initialCash.
func NewSimulatorBroker(initialCash float64, slippage SlippageModel, fees FeeModel) *SimulatorBroker {
	return &SimulatorBroker{
		cash:       initialCash,
		nextTicket: 1,
		slippage:   slippage,
		fees:       fees,
	}
}

// NewFromConfig creates a SimulatorBroker with percent slippage and
// commission taken from cfg.
func NewFromConfig(cfg domain.BacktestConfig) *SimulatorBroker {
	return NewSimulatorBroker(cfg.InitialCapital,
		PercentSlippage{Pct: cfg.SlippagePct},
		PercentCommission{Rate: cfg.Commission})
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// EntryPrice returns the slipped fill price for opening side at price.
func (b *SimulatorBroker) EntryPrice(side domain.Side, price float64) float64 {
	return b.slippage.Apply(side, price, true)
}

// Open fills a new position at the slipped price and debits notional plus
// commission from cash.
func (b *SimulatorBroker) Open(sig domain.Signal, price, size float64, ts time.Time) (*domain.Position, error) {
	if !(size > 0) {
		return nil, ErrInvalidSize
	}
	fill := b.EntryPrice(sig.Side, price)
	commission := b.fees.Compute(fill, size)
	required := fill*size + commission
	if required > b.cash {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, required, b.cash)
	}

	pos := &domain.Position{
		Ticket:         b.nextTicket,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		EntryPrice:     fill,
		EntryTime:      ts,
		Size:           size,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		CommissionPaid: commission,
	}
	b.nextTicket++
	b.cash -= required
	b.positions = append(b.positions, pos)
	return pos, nil
}

// Close fills the exit leg of ticket at the slipped price, credits the
// entry notional plus gross PnL less exit commission back to cash, and
// removes the position from the open set.
func (b *SimulatorBroker) Close(ticket int64, price float64, ts time.Time, reason domain.ExitReason) (domain.Trade, error) {
	idx := b.indexOf(ticket)
	if idx < 0 {
		return domain.Trade{}, fmt.Errorf("%w: %d", ErrUnknownTicket, ticket)
	}
	pos := b.positions[idx]

	fill := b.slippage.Apply(pos.Side, price, false)
	exitCommission := b.fees.Compute(fill, pos.Size)
	gross := pos.UnrealizedPnL(fill)
	commission := pos.CommissionPaid + exitCommission

	b.cash += pos.Notional() + gross - exitCommission
	b.positions = append(b.positions[:idx], b.positions[idx+1:]...)

	return domain.Trade{
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill,
		EntryTime:  pos.EntryTime,
		ExitTime:   ts,
		Size:       pos.Size,
		PnL:        gross - commission,
		Commission: commission,
		ExitReason: reason,
	}, nil
}

// Positions returns copies of the open positions in open order.
func (b *SimulatorBroker) Positions() []domain.Position {
	out := make([]domain.Position, len(b.positions))
	for i, p := range b.positions {
		out[i] = *p
	}
	return out
}

// Cash returns uncommitted cash.
func (b *SimulatorBroker) Cash() float64 {
	return b.cash
}

// Unrealized returns the gross unrealized PnL of all open positions at
// marks. Positions without a mark are valued at their entry price.
func (b *SimulatorBroker) Unrealized(marks map[string]float64) float64 {
	var total float64
	for _, p := range b.positions {
		if mark, ok := marks[p.Symbol]; ok {
			total += p.UnrealizedPnL(mark)
		}
	}
	return total
}

// Equity returns cash plus entry notional plus unrealized PnL of the open
// positions.
func (b *SimulatorBroker) Equity(marks map[string]float64) float64 {
	equity := b.cash
	for _, p := range b.positions {
		equity += p.Notional()
	}
	return equity + b.Unrealized(marks)
}

func (b *SimulatorBroker) indexOf(ticket int64) int {
	for i, p := range b.positions {
		if p.Ticket == ticket {
			return i
		}
	}
	return -1
}
