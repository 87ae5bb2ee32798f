package builtins

import (
	"fmt"

	"tradelab/internal/strategy"
)

// Names lists the strategies New can build.
var Names = []string{"sma-cross", "breakout"}

// New builds a built-in strategy by name. Missing params fall back to
// defaults; symbol restricts the strategy to bars of one symbol.
func New(name, symbol string, params map[string]float64) (strategy.Strategy, error) {
	p := func(key string, def float64) float64 {
		if v, ok := params[key]; ok {
			return v
		}
		return def
	}

	switch name {
	case "sma-cross":
		short, long := int(p("short", 10)), int(p("long", 30))
		if short < 1 || long <= short {
			return nil, fmt.Errorf("sma-cross: need 1 <= short < long, got short=%d long=%d", short, long)
		}
		return NewSMACross(short, long, p("stop_pct", 0.02), p("take_profit_pct", 0.04), symbol), nil
	case "breakout":
		lookback := int(p("lookback", 20))
		if lookback < 1 {
			return nil, fmt.Errorf("breakout: lookback must be positive, got %d", lookback)
		}
		return NewBreakout(lookback, p("risk_reward", 2), symbol), nil
	}
	return nil, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, name)
}

// Register builds the named strategy and adds it to reg.
func Register(reg *strategy.Registry, name, symbol string, params map[string]float64) error {
	s, err := New(name, symbol, params)
	if err != nil {
		return err
	}
	reg.Register(s)
	return nil
}
