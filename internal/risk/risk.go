// Package risk holds the pure order/position/portfolio checks. Everything
// here is side-effect free and operates on decimals only.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/portfolio"
)

var hundred = decimal.NewFromInt(100)

// Limits are the normalized risk parameters. Percent-style inputs (> 1)
// are converted to fractions at construction.
type Limits struct {
	MaxPositionSize       decimal.Decimal
	MaxDailyLoss          decimal.Decimal
	MaxDrawdown           decimal.Decimal
	StopLossPct           decimal.Decimal
	TakeProfitPct         decimal.Decimal
	MaxLeverageMainstream int
	MaxLeverageAltcoin    int
	HighLeverageWarning   int
}

// NewLimits normalizes the configured risk values.
func NewLimits(cfg config.RiskConfig) Limits {
	return Limits{
		MaxPositionSize:       asFraction(cfg.MaxPositionSize),
		MaxDailyLoss:          asFraction(cfg.MaxDailyLoss),
		MaxDrawdown:           asFraction(cfg.MaxDrawdown),
		StopLossPct:           asFraction(cfg.StopLossPercentage),
		TakeProfitPct:         asFraction(cfg.TakeProfitPercentage),
		MaxLeverageMainstream: cfg.MaxLeverageMainstream,
		MaxLeverageAltcoin:    cfg.MaxLeverageAltcoin,
		HighLeverageWarning:   cfg.HighLeverageWarning,
	}
}

func asFraction(d decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return d.Div(hundred)
	}
	return d
}

// OrderCheck is the outcome of CheckOrderRisk. When an entry is rejected
// for size, MaxAllowedAmount carries the largest amount that would pass.
type OrderCheck struct {
	Allowed          bool
	Reason           string
	Warnings         []string
	MaxAllowedAmount *decimal.Decimal
}

func rejected(reason string) OrderCheck { return OrderCheck{Reason: reason} }

// CheckOrderRisk vets an entry signal against the portfolio and limits.
// Exits always pass.
func CheckOrderRisk(sig *decision.TradingSignal, pf *portfolio.Portfolio, limits Limits) OrderCheck {
	if sig.IsExit() || sig.SignalType == decision.SignalHold {
		return OrderCheck{Allowed: true}
	}
	if !sig.IsEntry() {
		return rejected(fmt.Sprintf("unknown signal type %q", sig.SignalType))
	}

	// Directional conflict: an opposite-direction position must be closed
	// before opening the other way.
	if opp := pf.Opposite(sig.Symbol, sig.PositionSide()); opp != nil && opp.Amount.Sign() > 0 {
		return rejected(fmt.Sprintf("持仓方向冲突: existing %s position on %s must be closed first",
			opp.Side, sig.Symbol))
	}

	if sig.SuggestedAmount == nil || sig.SuggestedPrice == nil {
		return rejected("entry signal missing suggested_amount or suggested_price")
	}
	amount := *sig.SuggestedAmount
	price := *sig.SuggestedPrice
	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return rejected("entry signal amount and price must be positive")
	}

	leverage := 1
	if sig.Leverage != nil {
		leverage = *sig.Leverage
	}
	check := OrderCheck{Allowed: true}
	maxLev := limits.MaxLeverageAltcoin
	if isMainstream(sig.Symbol) {
		maxLev = limits.MaxLeverageMainstream
	}
	switch {
	case leverage < 1:
		return rejected(fmt.Sprintf("leverage %d below minimum 1", leverage))
	case leverage > maxLev:
		return rejected(fmt.Sprintf("leverage %d exceeds cap %d for %s", leverage, maxLev, sig.Symbol))
	case leverage > limits.HighLeverageWarning:
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("high leverage %d on %s", leverage, sig.Symbol))
	}

	if pf.TotalValue.Sign() > 0 {
		notional := amount.Mul(price)
		marginRequired := notional.Div(decimal.NewFromInt(int64(leverage)))
		allocationPct := marginRequired.Div(pf.TotalValue)
		if allocationPct.GreaterThan(limits.MaxPositionSize) {
			maxAllowed := limits.MaxPositionSize.Mul(pf.TotalValue).
				Mul(decimal.NewFromInt(int64(leverage))).Div(price)
			return OrderCheck{
				Reason: fmt.Sprintf("allocation %s exceeds max position size %s",
					allocationPct.Round(4), limits.MaxPositionSize),
				MaxAllowedAmount: &maxAllowed,
			}
		}

		// Daily circuit breaker.
		if pf.DailyPnL.Sign() < 0 {
			lossPct := pf.DailyPnL.Abs().Div(pf.TotalValue)
			if lossPct.Cmp(limits.MaxDailyLoss) >= 0 {
				return rejected(fmt.Sprintf("daily loss %s breached limit %s, entries blocked until next UTC day",
					lossPct.Round(4), limits.MaxDailyLoss))
			}
		}
	}
	return check
}

func isMainstream(symbol string) bool {
	s := strings.ToUpper(symbol)
	return strings.Contains(s, "BTC") || strings.Contains(s, "ETH")
}

// Position actions emitted by CheckPositionRisk.
const (
	ActionNone       = ""
	ActionStopLoss   = "close_position"
	ActionTakeProfit = "take_profit"
)

// CheckPositionRisk reports whether the current price has breached the
// position's stop or take-profit, with side-appropriate comparison.
func CheckPositionRisk(pos *portfolio.Position, current decimal.Decimal) string {
	long := pos.Side == exchange.SideBuy
	if pos.StopLoss != nil {
		if (long && current.Cmp(*pos.StopLoss) <= 0) || (!long && current.Cmp(*pos.StopLoss) >= 0) {
			return ActionStopLoss
		}
	}
	if pos.TakeProfit != nil {
		if (long && current.Cmp(*pos.TakeProfit) >= 0) || (!long && current.Cmp(*pos.TakeProfit) <= 0) {
			return ActionTakeProfit
		}
	}
	return ActionNone
}

// CheckPortfolioRisk trips the drawdown circuit breaker when total return
// falls at or below -max_drawdown, or the account value is wiped out.
// totalReturnPct is in percentage points.
func CheckPortfolioRisk(pf *portfolio.Portfolio, totalReturnPct decimal.Decimal, limits Limits) (bool, string) {
	if pf.TotalValue.Sign() <= 0 {
		return true, "total value depleted"
	}
	threshold := limits.MaxDrawdown.Mul(hundred).Neg()
	if totalReturnPct.Cmp(threshold) <= 0 {
		return true, fmt.Sprintf("total return %s%% breached max drawdown %s%%",
			totalReturnPct.Round(2), threshold.Round(2))
	}
	return false, ""
}

// StopLossTakeProfit derives protective prices from the configured
// percentages: below/above entry for longs, flipped for shorts.
func StopLossTakeProfit(entry decimal.Decimal, side exchange.Side, limits Limits) (stopLoss, takeProfit decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if side == exchange.SideBuy {
		stopLoss = entry.Mul(one.Sub(limits.StopLossPct))
		takeProfit = entry.Mul(one.Add(limits.TakeProfitPct))
		return
	}
	stopLoss = entry.Mul(one.Add(limits.StopLossPct))
	takeProfit = entry.Mul(one.Sub(limits.TakeProfitPct))
	return
}
