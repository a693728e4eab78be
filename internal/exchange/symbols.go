package exchange

import "strings"

// Contract symbols use the unified form BASE/QUOTE:SETTLE
// (e.g. BTC/USDT:USDT); the exchange wire form is BASEQUOTE (BTCUSDT).

// ToExchangeSymbol converts a unified contract symbol to the Binance form.
func ToExchangeSymbol(symbol string) string {
	s := symbol
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ReplaceAll(s, "/", "")
}

// BaseAsset returns the base asset of a unified symbol ("BTC/USDT:USDT" -> "BTC").
func BaseAsset(symbol string) string {
	s := symbol
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i]
	}
	// Wire-form fallback: strip a known quote suffix.
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)]
		}
	}
	return s
}

// BasePair returns the BASE/QUOTE portion of a unified symbol.
func BasePair(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// FromExchangeSymbol converts a Binance wire symbol back to the unified
// contract form, assuming a USDT-settled linear contract.
func FromExchangeSymbol(raw string) string {
	base := BaseAsset(raw)
	quote := strings.TrimPrefix(raw, base)
	if quote == "" {
		quote = "USDT"
	}
	return base + "/" + quote + ":" + quote
}
