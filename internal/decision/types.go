// Package decision holds the two-layer cognitive loop: a slow strategist
// that assesses the market regime and a fast trader that emits per-symbol
// signals inside that regime.
package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/exchange"
)

// Market bias values.
const (
	BiasBullish = "bullish"
	BiasBearish = "bearish"
	BiasNeutral = "neutral"
)

// Market structure values.
const (
	StructureTrending = "trending"
	StructureRanging  = "ranging"
	StructureExtreme  = "extreme"
)

// Risk levels.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskExtreme = "extreme"
)

// Trading modes.
const (
	ModeAggressive   = "aggressive"
	ModeNormal       = "normal"
	ModeConservative = "conservative"
	ModeDefensive    = "defensive"
)

// Time horizons.
const (
	HorizonShort  = "short"
	HorizonMedium = "medium"
	HorizonLong   = "long"
)

// RegimeValidity is how long a strategist assessment steers the trader
// before it is flagged stale.
const RegimeValidity = time.Hour

// MarketRegime is the strategist's hourly market assessment. The trader
// reads it as policy: cash floor, sizing scale and symbol focus.
type MarketRegime struct {
	Bias                     string           `json:"bias"`
	MarketStructure          string           `json:"market_structure"`
	Confidence               decimal.Decimal  `json:"confidence"`
	RiskLevel                string           `json:"risk_level"`
	MarketNarrative          string           `json:"market_narrative"`
	KeyDrivers               []string         `json:"key_drivers"`
	VolatilityRange          *string          `json:"volatility_range,omitempty"`
	TimeHorizon              string           `json:"time_horizon"`
	CashRatio                decimal.Decimal  `json:"cash_ratio"`
	MaxExposure              *decimal.Decimal `json:"max_exposure,omitempty"`
	TradingMode              string           `json:"trading_mode"`
	PositionSizingMultiplier decimal.Decimal  `json:"position_sizing_multiplier"`
	RecommendedSymbols       []string         `json:"recommended_symbols"`
	BlacklistSymbols         []string         `json:"blacklist_symbols"`
	Timestamp                time.Time        `json:"timestamp"`
	ValidUntil               time.Time        `json:"valid_until"`
	Reasoning                string           `json:"reasoning"`
}

// IsStale reports whether the regime has outlived its validity window.
// Stale regimes are still served; callers log the degradation.
func (r *MarketRegime) IsStale(now time.Time) bool {
	return !now.Before(r.ValidUntil)
}

// MatchesRecommendation reports whether a contract symbol matches a
// recommended-list entry. "BTC", "BTC/USDT" and "BTC/USDT:USDT" all match
// "BTC/USDT:USDT".
func MatchesRecommendation(symbol string, recommended []string) bool {
	base := exchange.BaseAsset(symbol)
	pair := exchange.BasePair(symbol)
	for _, entry := range recommended {
		if entry == symbol || entry == base || entry == pair {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether a contract symbol is on the regime's
// blacklist, using the same matching rules as MatchesRecommendation.
func (r *MarketRegime) IsBlacklisted(symbol string) bool {
	return MatchesRecommendation(symbol, r.BlacklistSymbols)
}

// DefaultRegime is the conservative fallback installed when no strategist
// assessment is available: stay mostly in cash, size down, trade only the
// liquid majors.
func DefaultRegime(now time.Time) *MarketRegime {
	return &MarketRegime{
		Bias:                     BiasNeutral,
		MarketStructure:          StructureRanging,
		Confidence:               decimal.NewFromFloat(0.3),
		RiskLevel:                RiskMedium,
		MarketNarrative:          "no strategist assessment available; defensive posture",
		TimeHorizon:              HorizonShort,
		CashRatio:                decimal.NewFromFloat(0.7),
		TradingMode:              ModeDefensive,
		PositionSizingMultiplier: decimal.NewFromFloat(0.5),
		RecommendedSymbols:       []string{"BTC", "ETH"},
		Timestamp:                now,
		ValidUntil:               now.Add(RegimeValidity),
		Reasoning:                "fallback default regime",
	}
}

// Signal types the trader may emit.
const (
	SignalEnterLong  = "enter_long"
	SignalExitLong   = "exit_long"
	SignalEnterShort = "enter_short"
	SignalExitShort  = "exit_short"
	SignalHold       = "hold"
)

// TradingSignal is one per-symbol tactical directive. Decimal pointers are
// absent when the model did not supply the field.
type TradingSignal struct {
	Timestamp         time.Time        `json:"timestamp"`
	Symbol            string           `json:"symbol"` // unified form, e.g. BTC/USDT:USDT
	SignalType        string           `json:"signal_type"`
	Confidence        decimal.Decimal  `json:"confidence"`
	SuggestedPrice    *decimal.Decimal `json:"suggested_price,omitempty"`
	SuggestedAmount   *decimal.Decimal `json:"suggested_amount,omitempty"`
	StopLoss          *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit        *decimal.Decimal `json:"take_profit,omitempty"`
	Leverage          *int             `json:"leverage,omitempty"`
	Reasoning         string           `json:"reasoning,omitempty"`
	SupportingFactors []string         `json:"supporting_factors,omitempty"`
	RiskFactors       []string         `json:"risk_factors,omitempty"`
	Source            string           `json:"source,omitempty"`
}

// IsEntry reports whether the signal opens or grows exposure.
func (s *TradingSignal) IsEntry() bool {
	return s.SignalType == SignalEnterLong || s.SignalType == SignalEnterShort
}

// IsExit reports whether the signal reduces or closes exposure.
func (s *TradingSignal) IsExit() bool {
	return s.SignalType == SignalExitLong || s.SignalType == SignalExitShort
}

// PositionSide returns the position direction the signal concerns: "buy"
// for long signals, "sell" for shorts, "" for hold.
func (s *TradingSignal) PositionSide() exchange.Side {
	switch s.SignalType {
	case SignalEnterLong, SignalExitLong:
		return exchange.SideBuy
	case SignalEnterShort, SignalExitShort:
		return exchange.SideSell
	}
	return ""
}

// OrderSide returns the order side needed to act on the signal: entries
// trade in the position direction, exits in the opposite.
func (s *TradingSignal) OrderSide() exchange.Side {
	switch s.SignalType {
	case SignalEnterLong, SignalExitShort:
		return exchange.SideBuy
	case SignalEnterShort, SignalExitLong:
		return exchange.SideSell
	}
	return ""
}
