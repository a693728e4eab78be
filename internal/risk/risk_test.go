package risk

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/portfolio"
)

func testLimits() Limits {
	return NewLimits(config.RiskConfig{
		MaxPositionSize:       decimal.NewFromFloat(0.1),
		MaxDailyLoss:          decimal.NewFromFloat(0.05),
		MaxDrawdown:           decimal.NewFromFloat(0.2),
		StopLossPercentage:    decimal.NewFromFloat(0.02),
		TakeProfitPercentage:  decimal.NewFromFloat(0.05),
		MaxLeverageMainstream: 50,
		MaxLeverageAltcoin:    20,
		HighLeverageWarning:   25,
	})
}

func testPortfolio(totalValue string) *portfolio.Portfolio {
	tv, _ := decimal.NewFromString(totalValue)
	return &portfolio.Portfolio{
		WalletBalance:    tv,
		AvailableBalance: tv,
		TotalValue:       tv,
		Positions:        make(map[portfolio.PositionKey]*portfolio.Position),
	}
}

func entrySignal(symbol string, amount, price float64, leverage int) *decision.TradingSignal {
	a := decimal.NewFromFloat(amount)
	p := decimal.NewFromFloat(price)
	return &decision.TradingSignal{
		Symbol:          symbol,
		SignalType:      decision.SignalEnterLong,
		SuggestedAmount: &a,
		SuggestedPrice:  &p,
		Leverage:        &leverage,
	}
}

func TestNewLimitsNormalizesPercents(t *testing.T) {
	limits := NewLimits(config.RiskConfig{
		MaxPositionSize:    decimal.NewFromInt(10), // percent form
		MaxDailyLoss:       decimal.NewFromFloat(0.05),
		StopLossPercentage: decimal.NewFromInt(2),
	})
	if !limits.MaxPositionSize.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("MaxPositionSize = %s, want 0.1", limits.MaxPositionSize)
	}
	if !limits.MaxDailyLoss.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("MaxDailyLoss = %s, want 0.05 unchanged", limits.MaxDailyLoss)
	}
	if !limits.StopLossPct.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("StopLossPct = %s, want 0.02", limits.StopLossPct)
	}
}

func TestExitsAlwaysPass(t *testing.T) {
	pf := testPortfolio("0")
	sig := &decision.TradingSignal{Symbol: "BTC/USDT:USDT", SignalType: decision.SignalExitLong}
	if check := CheckOrderRisk(sig, pf, testLimits()); !check.Allowed {
		t.Errorf("exit rejected: %s", check.Reason)
	}
}

func TestDirectionalConflictRejected(t *testing.T) {
	pf := testPortfolio("10000")
	pf.Positions[portfolio.PositionKey{Symbol: "BTC/USDT:USDT", Side: exchange.SideSell}] = &portfolio.Position{
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.SideSell,
		Amount: decimal.NewFromFloat(0.5),
	}
	sig := entrySignal("BTC/USDT:USDT", 0.01, 65000, 5)
	check := CheckOrderRisk(sig, pf, testLimits())
	if check.Allowed {
		t.Fatal("entry against opposite position allowed")
	}
	if !strings.Contains(check.Reason, "持仓方向冲突") {
		t.Errorf("reason = %q, want directional conflict marker", check.Reason)
	}
}

func TestLeverageCaps(t *testing.T) {
	pf := testPortfolio("1000000")
	limits := testLimits()

	// Mainstream cap 50.
	if check := CheckOrderRisk(entrySignal("BTC/USDT:USDT", 0.01, 65000, 60), pf, limits); check.Allowed {
		t.Error("60x on BTC allowed, cap is 50")
	}
	if check := CheckOrderRisk(entrySignal("BTC/USDT:USDT", 0.01, 65000, 50), pf, limits); !check.Allowed {
		t.Errorf("50x on BTC rejected: %s", check.Reason)
	}

	// Altcoin cap 20.
	if check := CheckOrderRisk(entrySignal("SOL/USDT:USDT", 1, 150, 25), pf, limits); check.Allowed {
		t.Error("25x on SOL allowed, cap is 20")
	}

	// Warning above 25 on mainstream, still allowed.
	check := CheckOrderRisk(entrySignal("ETH/USDT:USDT", 0.1, 3000, 30), pf, limits)
	if !check.Allowed {
		t.Fatalf("30x on ETH rejected: %s", check.Reason)
	}
	if len(check.Warnings) == 0 {
		t.Error("no high-leverage warning at 30x")
	}
}

func TestAllocationRejectionAndSuggestedMax(t *testing.T) {
	pf := testPortfolio("10000")
	limits := testLimits()

	// 0.5 BTC at 65000 with 5x: margin 6500, 65% of equity, limit 10%.
	sig := entrySignal("BTC/USDT:USDT", 0.5, 65000, 5)
	check := CheckOrderRisk(sig, pf, limits)
	if check.Allowed {
		t.Fatal("oversized entry allowed")
	}
	if check.MaxAllowedAmount == nil {
		t.Fatal("rejection carries no max allowed amount")
	}

	// Substituting the suggested maximum must pass.
	sig.SuggestedAmount = check.MaxAllowedAmount
	if recheck := CheckOrderRisk(sig, pf, limits); !recheck.Allowed {
		t.Errorf("max allowed amount still rejected: %s", recheck.Reason)
	}
}

func TestDailyLossCircuitBreaker(t *testing.T) {
	pf := testPortfolio("10000")
	pf.DailyPnL = decimal.NewFromInt(-600) // 6% of equity, limit 5%
	check := CheckOrderRisk(entrySignal("BTC/USDT:USDT", 0.001, 65000, 2), pf, testLimits())
	if check.Allowed {
		t.Fatal("entry allowed past the daily loss limit")
	}
	if !strings.Contains(check.Reason, "daily loss") {
		t.Errorf("reason = %q, want daily loss", check.Reason)
	}

	// A smaller loss does not trip it.
	pf.DailyPnL = decimal.NewFromInt(-100)
	if check := CheckOrderRisk(entrySignal("BTC/USDT:USDT", 0.001, 65000, 2), pf, testLimits()); !check.Allowed {
		t.Errorf("entry rejected under the loss limit: %s", check.Reason)
	}
}

func TestEntryRequiresAmountAndPrice(t *testing.T) {
	pf := testPortfolio("10000")
	sig := &decision.TradingSignal{Symbol: "BTC/USDT:USDT", SignalType: decision.SignalEnterLong}
	if check := CheckOrderRisk(sig, pf, testLimits()); check.Allowed {
		t.Error("entry without amount/price allowed")
	}
	zero := decimal.Zero
	price := decimal.NewFromInt(65000)
	sig.SuggestedAmount = &zero
	sig.SuggestedPrice = &price
	if check := CheckOrderRisk(sig, pf, testLimits()); check.Allowed {
		t.Error("entry with zero amount allowed")
	}
}

func TestCheckPositionRisk(t *testing.T) {
	sl := decimal.NewFromInt(63000)
	tp := decimal.NewFromInt(68000)
	long := &portfolio.Position{Side: exchange.SideBuy, StopLoss: &sl, TakeProfit: &tp}

	if got := CheckPositionRisk(long, decimal.NewFromInt(65000)); got != ActionNone {
		t.Errorf("inside bracket -> %q, want none", got)
	}
	if got := CheckPositionRisk(long, decimal.NewFromInt(62900)); got != ActionStopLoss {
		t.Errorf("below stop -> %q, want stop", got)
	}
	if got := CheckPositionRisk(long, decimal.NewFromInt(68000)); got != ActionTakeProfit {
		t.Errorf("at take-profit -> %q, want take-profit", got)
	}

	// Short brackets flip.
	ssl := decimal.NewFromInt(68000)
	stp := decimal.NewFromInt(63000)
	short := &portfolio.Position{Side: exchange.SideSell, StopLoss: &ssl, TakeProfit: &stp}
	if got := CheckPositionRisk(short, decimal.NewFromInt(68500)); got != ActionStopLoss {
		t.Errorf("short above stop -> %q, want stop", got)
	}
	if got := CheckPositionRisk(short, decimal.NewFromInt(62000)); got != ActionTakeProfit {
		t.Errorf("short below take-profit -> %q, want take-profit", got)
	}
}

func TestCheckPortfolioRisk(t *testing.T) {
	limits := testLimits()
	pf := testPortfolio("8500")
	if tripped, _ := CheckPortfolioRisk(pf, decimal.NewFromInt(-15), limits); tripped {
		t.Error("breaker tripped at -15% with 20% max drawdown")
	}
	if tripped, reason := CheckPortfolioRisk(pf, decimal.NewFromInt(-20), limits); !tripped {
		t.Error("breaker not tripped at the drawdown limit")
	} else if reason == "" {
		t.Error("tripped breaker carries no reason")
	}
	if tripped, _ := CheckPortfolioRisk(testPortfolio("0"), decimal.Zero, limits); !tripped {
		t.Error("breaker not tripped on depleted account")
	}
}

func TestStopLossTakeProfit(t *testing.T) {
	limits := testLimits()
	entry := decimal.NewFromInt(1000)

	sl, tp := StopLossTakeProfit(entry, exchange.SideBuy, limits)
	if !sl.Equal(decimal.NewFromInt(980)) {
		t.Errorf("long stop = %s, want 980", sl)
	}
	if !tp.Equal(decimal.NewFromInt(1050)) {
		t.Errorf("long take-profit = %s, want 1050", tp)
	}

	sl, tp = StopLossTakeProfit(entry, exchange.SideSell, limits)
	if !sl.Equal(decimal.NewFromInt(1020)) {
		t.Errorf("short stop = %s, want 1020", sl)
	}
	if !tp.Equal(decimal.NewFromInt(950)) {
		t.Errorf("short take-profit = %s, want 950", tp)
	}
}
