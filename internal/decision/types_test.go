package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/exchange"
)

func TestDefaultRegimeIsDefensive(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := DefaultRegime(now)
	if r.Bias != BiasNeutral || r.MarketStructure != StructureRanging {
		t.Errorf("default regime not neutral/ranging: %+v", r)
	}
	if r.TradingMode != ModeDefensive {
		t.Errorf("trading_mode = %s, want defensive", r.TradingMode)
	}
	if !r.CashRatio.Equal(decimal.NewFromFloat(0.7)) {
		t.Errorf("cash_ratio = %s, want 0.7", r.CashRatio)
	}
	if !r.PositionSizingMultiplier.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("sizing multiplier = %s, want 0.5", r.PositionSizingMultiplier)
	}
	if !MatchesRecommendation("BTC/USDT:USDT", r.RecommendedSymbols) ||
		!MatchesRecommendation("ETH/USDT:USDT", r.RecommendedSymbols) {
		t.Errorf("default regime must admit the majors: %v", r.RecommendedSymbols)
	}
	if MatchesRecommendation("SOL/USDT:USDT", r.RecommendedSymbols) {
		t.Error("default regime admitted a non-major")
	}
}

func TestRegimeStaleness(t *testing.T) {
	now := time.Now().UTC()
	r := DefaultRegime(now)
	if r.IsStale(now) {
		t.Error("fresh regime reported stale")
	}
	if r.IsStale(now.Add(RegimeValidity - time.Second)) {
		t.Error("regime stale before valid_until")
	}
	if !r.IsStale(now.Add(RegimeValidity)) {
		t.Error("regime not stale at valid_until")
	}
}

func TestMatchesRecommendationForms(t *testing.T) {
	symbol := "BTC/USDT:USDT"
	for _, entry := range []string{"BTC", "BTC/USDT", "BTC/USDT:USDT"} {
		if !MatchesRecommendation(symbol, []string{entry}) {
			t.Errorf("entry %q failed to match %s", entry, symbol)
		}
	}
	for _, entry := range []string{"ETH", "BTCUSDT", ""} {
		if MatchesRecommendation(symbol, []string{entry}) {
			t.Errorf("entry %q matched %s", entry, symbol)
		}
	}
	if MatchesRecommendation(symbol, nil) {
		t.Error("empty recommended list matched")
	}
}

func TestBlacklistUsesSameMatching(t *testing.T) {
	r := &MarketRegime{BlacklistSymbols: []string{"DOGE"}}
	if !r.IsBlacklisted("DOGE/USDT:USDT") {
		t.Error("base-asset blacklist entry not honored")
	}
	if r.IsBlacklisted("BTC/USDT:USDT") {
		t.Error("unlisted symbol reported blacklisted")
	}
}

func TestSignalSides(t *testing.T) {
	cases := []struct {
		signalType string
		posSide    exchange.Side
		orderSide  exchange.Side
		entry      bool
		exit       bool
	}{
		{SignalEnterLong, exchange.SideBuy, exchange.SideBuy, true, false},
		{SignalExitLong, exchange.SideBuy, exchange.SideSell, false, true},
		{SignalEnterShort, exchange.SideSell, exchange.SideSell, true, false},
		{SignalExitShort, exchange.SideSell, exchange.SideBuy, false, true},
		{SignalHold, "", "", false, false},
	}
	for _, tc := range cases {
		sig := &TradingSignal{SignalType: tc.signalType}
		if got := sig.PositionSide(); got != tc.posSide {
			t.Errorf("%s PositionSide = %s, want %s", tc.signalType, got, tc.posSide)
		}
		if got := sig.OrderSide(); got != tc.orderSide {
			t.Errorf("%s OrderSide = %s, want %s", tc.signalType, got, tc.orderSide)
		}
		if sig.IsEntry() != tc.entry || sig.IsExit() != tc.exit {
			t.Errorf("%s entry/exit = %v/%v, want %v/%v",
				tc.signalType, sig.IsEntry(), sig.IsExit(), tc.entry, tc.exit)
		}
	}
}
