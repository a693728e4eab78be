package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestExtractJSONDirect(t *testing.T) {
	payload, err := ExtractJSON(`{"bias": "bullish"}`)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(payload) != `{"bias": "bullish"}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Here is my analysis.\n```json\n{\"bias\": \"bearish\"}\n```\nDone."
	payload, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(payload) != `{"bias": "bearish"}` {
		t.Errorf("unexpected payload: %s", payload)
	}
}

func TestExtractJSONFirstBalanced(t *testing.T) {
	text := `Based on RSI and MACD I conclude {"bias": "neutral", "note": "a {nested} brace in \" string"} which seems right.`
	payload, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("recovered payload invalid: %v", err)
	}
	if got["bias"] != "neutral" {
		t.Errorf("bias = %v, want neutral", got["bias"])
	}
}

func TestExtractJSONArray(t *testing.T) {
	text := "signals below:\n[{\"symbol\": \"BTC\"}, {\"symbol\": \"ETH\"}]"
	payload, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if payload[0] != '[' {
		t.Errorf("expected array payload, got %s", payload)
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	for _, text := range []string{"", "   ", "no json here", "{unbalanced"} {
		if _, err := ExtractJSON(text); err != ErrNoPayload {
			t.Errorf("ExtractJSON(%q) err = %v, want ErrNoPayload", text, err)
		}
	}
}

func TestParseRegimeFull(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	text := `{
		"bias": "bullish",
		"market_structure": "trending",
		"confidence": 0.8,
		"risk_level": "low",
		"market_narrative": "BTC breaking out",
		"key_drivers": ["ETF inflows"],
		"time_horizon": "medium",
		"cash_ratio": 0.2,
		"trading_mode": "aggressive",
		"position_sizing_multiplier": 1.5,
		"recommended_symbols": ["BTC", "ETH"],
		"blacklist_symbols": ["DOGE"],
		"reasoning": "momentum"
	}`
	r, err := ParseRegime(text, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseRegime: %v", err)
	}
	if r.Bias != BiasBullish || r.MarketStructure != StructureTrending || r.RiskLevel != RiskLow {
		t.Errorf("enums not preserved: %+v", r)
	}
	if !r.Confidence.Equal(decimal.NewFromFloat(0.8)) {
		t.Errorf("confidence = %s, want 0.8", r.Confidence)
	}
	if !r.PositionSizingMultiplier.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("sizing multiplier = %s, want 1.5", r.PositionSizingMultiplier)
	}
	if !r.ValidUntil.Equal(now.Add(time.Hour)) {
		t.Errorf("valid_until = %s, want now+1h", r.ValidUntil)
	}
	if len(r.BlacklistSymbols) != 1 || r.BlacklistSymbols[0] != "DOGE" {
		t.Errorf("blacklist = %v", r.BlacklistSymbols)
	}
}

func TestParseRegimeDegradesUnknownEnums(t *testing.T) {
	now := time.Now().UTC()
	text := `{"bias": "mega-bullish", "market_structure": "chaotic", "risk_level": "insane", "trading_mode": "yolo"}`
	r, err := ParseRegime(text, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseRegime: %v", err)
	}
	if r.Bias != BiasNeutral {
		t.Errorf("bias = %s, want neutral", r.Bias)
	}
	if r.MarketStructure != StructureRanging {
		t.Errorf("market_structure = %s, want ranging", r.MarketStructure)
	}
	if r.RiskLevel != RiskMedium {
		t.Errorf("risk_level = %s, want medium", r.RiskLevel)
	}
	if r.TradingMode != ModeNormal {
		t.Errorf("trading_mode = %s, want normal", r.TradingMode)
	}
}

func TestParseRegimeClampsNumbers(t *testing.T) {
	now := time.Now().UTC()
	text := `{"confidence": 1.7, "cash_ratio": -0.3, "position_sizing_multiplier": 5}`
	r, err := ParseRegime(text, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseRegime: %v", err)
	}
	if !r.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want clamped to 1", r.Confidence)
	}
	if !r.CashRatio.Equal(decimal.Zero) {
		t.Errorf("cash_ratio = %s, want clamped to 0", r.CashRatio)
	}
	if !r.PositionSizingMultiplier.Equal(decimal.NewFromInt(2)) {
		t.Errorf("sizing multiplier = %s, want clamped to 2", r.PositionSizingMultiplier)
	}
}

func TestParseRegimeHorizonAliases(t *testing.T) {
	cases := map[string]string{
		"short":           HorizonShort,
		"Medium":          HorizonMedium,
		"short-to-medium": HorizonMedium,
		"medium-to-long":  HorizonLong,
		"intraday":        HorizonShort,
		"swing":           HorizonMedium,
		"galactic":        HorizonShort,
		"":                HorizonShort,
	}
	now := time.Now().UTC()
	for in, want := range cases {
		r, err := ParseRegime(`{"time_horizon": "`+in+`"}`, now, zerolog.Nop())
		if err != nil {
			t.Fatalf("ParseRegime(%q): %v", in, err)
		}
		if r.TimeHorizon != want {
			t.Errorf("time_horizon %q -> %q, want %q", in, r.TimeHorizon, want)
		}
	}
}

func TestParseSignalsArray(t *testing.T) {
	now := time.Now().UTC()
	expected := []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	text := `[
		{"symbol": "BTCUSDT", "signal_type": "enter_long", "confidence": 0.75,
		 "suggested_price": 65000, "suggested_amount": 0.1, "stop_loss": 63700,
		 "take_profit": 68250, "leverage": 5, "reasoning": "breakout"},
		{"symbol": "ETH", "signal_type": "hold", "confidence": 0, "reasoning": "no edge"}
	]`
	signals, err := ParseSignals(text, expected, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseSignals: %v", err)
	}
	btc := signals["BTC/USDT:USDT"]
	if btc == nil {
		t.Fatal("no BTC signal")
	}
	if btc.SignalType != SignalEnterLong {
		t.Errorf("signal_type = %s, want enter_long", btc.SignalType)
	}
	if btc.SuggestedPrice == nil || !btc.SuggestedPrice.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("suggested_price = %v", btc.SuggestedPrice)
	}
	if btc.Leverage == nil || *btc.Leverage != 5 {
		t.Errorf("leverage = %v, want 5", btc.Leverage)
	}
	eth := signals["ETH/USDT:USDT"]
	if eth == nil || eth.SignalType != SignalHold {
		t.Fatalf("ETH signal = %+v, want hold", eth)
	}
	if !eth.Confidence.Equal(decimal.Zero) {
		t.Errorf("hold confidence = %s, want 0", eth.Confidence)
	}
}

func TestParseSignalsSynonyms(t *testing.T) {
	cases := map[string]string{
		"buy":         SignalEnterLong,
		"BUY":         SignalEnterLong,
		"long":        SignalEnterLong,
		"sell":        SignalExitLong,
		"close_long":  SignalExitLong,
		"short":       SignalEnterShort,
		"cover":       SignalExitShort,
		"close_short": SignalExitShort,
		"wait":        SignalHold,
		"none":        SignalHold,
		"gibberish":   SignalHold,
	}
	now := time.Now().UTC()
	for in, want := range cases {
		signals, err := ParseSignals(
			`[{"symbol": "BTC", "signal_type": "`+in+`", "confidence": 0.5}]`,
			[]string{"BTC/USDT:USDT"}, now, zerolog.Nop())
		if err != nil {
			t.Fatalf("ParseSignals(%q): %v", in, err)
		}
		sig := signals["BTC/USDT:USDT"]
		if sig == nil || sig.SignalType != want {
			t.Errorf("signal_type %q -> %+v, want %s", in, sig, want)
		}
	}
}

func TestParseSignalsAlternateFieldNames(t *testing.T) {
	now := time.Now().UTC()
	for _, text := range []string{
		`[{"symbol": "BTC", "signal": "enter_short", "confidence": 0.6}]`,
		`[{"symbol": "BTC", "action": "enter_short", "confidence": 0.6}]`,
	} {
		signals, err := ParseSignals(text, []string{"BTC/USDT:USDT"}, now, zerolog.Nop())
		if err != nil {
			t.Fatalf("ParseSignals: %v", err)
		}
		sig := signals["BTC/USDT:USDT"]
		if sig == nil || sig.SignalType != SignalEnterShort {
			t.Errorf("alternate field not honored: %+v", sig)
		}
	}
}

func TestParseSignalsSingleObjectFallback(t *testing.T) {
	now := time.Now().UTC()
	signals, err := ParseSignals(
		`{"symbol": "ETH/USDT", "signal_type": "exit_long", "confidence": 0.9}`,
		[]string{"ETH/USDT:USDT"}, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseSignals: %v", err)
	}
	sig := signals["ETH/USDT:USDT"]
	if sig == nil || sig.SignalType != SignalExitLong {
		t.Fatalf("single-object payload not accepted: %+v", sig)
	}
}

func TestParseSignalsMissingAndUnexpectedSymbols(t *testing.T) {
	now := time.Now().UTC()
	signals, err := ParseSignals(
		`[{"symbol": "SOL", "signal_type": "enter_long", "confidence": 0.8}]`,
		[]string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseSignals: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("len(signals) = %d, want 2", len(signals))
	}
	if signals["BTC/USDT:USDT"] != nil || signals["ETH/USDT:USDT"] != nil {
		t.Error("expected nil entries for symbols the model skipped")
	}
}

func TestParseSignalsRejectsNonPositiveNumbers(t *testing.T) {
	now := time.Now().UTC()
	signals, err := ParseSignals(
		`[{"symbol": "BTC", "signal_type": "enter_long", "confidence": 0.5,
		   "suggested_price": -100, "suggested_amount": 0, "leverage": 200}]`,
		[]string{"BTC/USDT:USDT"}, now, zerolog.Nop())
	if err != nil {
		t.Fatalf("ParseSignals: %v", err)
	}
	sig := signals["BTC/USDT:USDT"]
	if sig.SuggestedPrice != nil {
		t.Errorf("negative price accepted: %s", sig.SuggestedPrice)
	}
	if sig.SuggestedAmount != nil {
		t.Errorf("zero amount accepted: %s", sig.SuggestedAmount)
	}
	if sig.Leverage != nil {
		t.Errorf("out-of-range leverage accepted: %d", *sig.Leverage)
	}
}
