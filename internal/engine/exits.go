package engine

import "tradelab/internal/domain"

// checkExit reports whether bar breaches pos's stop loss or take profit.
// The returned price is the breached level, before slippage. When both
// levels fall inside the bar's range the stop loss wins.
func checkExit(pos domain.Position, bar domain.Bar) (float64, domain.ExitReason, bool) {
	if pos.Side == domain.SideLong {
		if pos.StopLoss != nil && bar.Low <= *pos.StopLoss {
			return *pos.StopLoss, domain.ExitStopLoss, true
		}
		if pos.TakeProfit != nil && bar.High >= *pos.TakeProfit {
			return *pos.TakeProfit, domain.ExitTakeProfit, true
		}
		return 0, "", false
	}

	if pos.StopLoss != nil && bar.High >= *pos.StopLoss {
		return *pos.StopLoss, domain.ExitStopLoss, true
	}
	if pos.TakeProfit != nil && bar.Low <= *pos.TakeProfit {
		return *pos.TakeProfit, domain.ExitTakeProfit, true
	}
	return 0, "", false
}
