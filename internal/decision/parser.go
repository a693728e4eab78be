package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/exchange"
)

// ErrNoPayload is the typed decision error: no structured payload could be
// recovered from the model output.
var ErrNoPayload = errors.New("decision: no recoverable JSON payload")

// ExtractJSON recovers a JSON document from model output in three layers:
// direct parse, fenced ```json block, then the first balanced {...} or
// [...] span in the text.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrNoPayload
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	if block := fencedBlock(trimmed); block != "" && json.Valid([]byte(block)) {
		return json.RawMessage(block), nil
	}

	if span := firstBalanced(trimmed); span != "" && json.Valid([]byte(span)) {
		return json.RawMessage(span), nil
	}
	return nil, ErrNoPayload
}

func fencedBlock(text string) string {
	for _, marker := range []string{"```json", "```JSON", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		if block := strings.TrimSpace(rest[:end]); block != "" {
			return block
		}
	}
	return ""
}

// firstBalanced scans for the first balanced top-level object or array,
// respecting strings and escapes.
func firstBalanced(text string) string {
	start := -1
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// rawRegime is the permissive shape accepted from the model. Numeric fields
// arrive as JSON numbers or strings.
type rawRegime struct {
	Bias                     string      `json:"bias"`
	MarketStructure          string      `json:"market_structure"`
	Confidence               json.Number `json:"confidence"`
	RiskLevel                string      `json:"risk_level"`
	MarketNarrative          string      `json:"market_narrative"`
	KeyDrivers               []string    `json:"key_drivers"`
	VolatilityRange          string      `json:"volatility_range"`
	TimeHorizon              string      `json:"time_horizon"`
	CashRatio                json.Number `json:"cash_ratio"`
	MaxExposure              json.Number `json:"max_exposure"`
	TradingMode              string      `json:"trading_mode"`
	PositionSizingMultiplier json.Number `json:"position_sizing_multiplier"`
	RecommendedSymbols       []string    `json:"recommended_symbols"`
	BlacklistSymbols         []string    `json:"blacklist_symbols"`
	Reasoning                string      `json:"reasoning"`
}

// ParseRegime decodes model output into a MarketRegime. Unknown enum values
// degrade to safe defaults with a warning rather than failing; only a
// missing payload is an error.
func ParseRegime(text string, now time.Time, log zerolog.Logger) (*MarketRegime, error) {
	payload, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var raw rawRegime
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decision: decode regime: %w", err)
	}

	r := &MarketRegime{
		Bias:                     degradeEnum(raw.Bias, []string{BiasBullish, BiasBearish, BiasNeutral}, BiasNeutral, "bias", log),
		MarketStructure:          degradeEnum(raw.MarketStructure, []string{StructureTrending, StructureRanging, StructureExtreme}, StructureRanging, "market_structure", log),
		Confidence:               clampUnit(parseNumber(raw.Confidence, decimal.NewFromFloat(0.3))),
		RiskLevel:                degradeEnum(raw.RiskLevel, []string{RiskLow, RiskMedium, RiskHigh, RiskExtreme}, RiskMedium, "risk_level", log),
		MarketNarrative:          raw.MarketNarrative,
		KeyDrivers:               raw.KeyDrivers,
		TimeHorizon:              normalizeHorizon(raw.TimeHorizon, log),
		CashRatio:                clampUnit(parseNumber(raw.CashRatio, decimal.NewFromFloat(0.5))),
		TradingMode:              degradeEnum(raw.TradingMode, []string{ModeAggressive, ModeNormal, ModeConservative, ModeDefensive}, ModeNormal, "trading_mode", log),
		PositionSizingMultiplier: clampRange(parseNumber(raw.PositionSizingMultiplier, decimal.NewFromInt(1)), decimal.Zero, decimal.NewFromInt(2)),
		RecommendedSymbols:       raw.RecommendedSymbols,
		BlacklistSymbols:         raw.BlacklistSymbols,
		Timestamp:                now,
		ValidUntil:               now.Add(RegimeValidity),
		Reasoning:                raw.Reasoning,
	}
	if raw.VolatilityRange != "" {
		vr := raw.VolatilityRange
		r.VolatilityRange = &vr
	}
	if raw.MaxExposure != "" {
		me := clampUnit(parseNumber(raw.MaxExposure, decimal.NewFromInt(1)))
		r.MaxExposure = &me
	}
	return r, nil
}

// Compound time-horizon values collapse onto the longer leg.
var horizonAliases = map[string]string{
	"short-to-medium": HorizonMedium,
	"short_to_medium": HorizonMedium,
	"medium-to-long":  HorizonLong,
	"medium_to_long":  HorizonLong,
	"intraday":        HorizonShort,
	"swing":           HorizonMedium,
}

func normalizeHorizon(v string, log zerolog.Logger) string {
	h := strings.ToLower(strings.TrimSpace(v))
	switch h {
	case HorizonShort, HorizonMedium, HorizonLong:
		return h
	}
	if mapped, ok := horizonAliases[h]; ok {
		return mapped
	}
	if h != "" {
		log.Warn().Str("time_horizon", v).Msg("unknown time horizon, defaulting to short")
	}
	return HorizonShort
}

func degradeEnum(v string, allowed []string, def, field string, log zerolog.Logger) string {
	n := strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if n == a {
			return a
		}
	}
	if n != "" {
		log.Warn().Str(field, v).Str("default", def).Msg("unknown enum value degraded")
	}
	return def
}

func parseNumber(n json.Number, def decimal.Decimal) decimal.Decimal {
	if n == "" {
		return def
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return def
	}
	return d
}

func clampUnit(d decimal.Decimal) decimal.Decimal {
	return clampRange(d, decimal.Zero, decimal.NewFromInt(1))
}

func clampRange(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// rawSignal is the permissive per-symbol shape accepted from the model.
type rawSignal struct {
	Symbol            string      `json:"symbol"`
	SignalType        string      `json:"signal_type"`
	Signal            string      `json:"signal"` // alternate field name
	Action            string      `json:"action"` // alternate field name
	Confidence        json.Number `json:"confidence"`
	SuggestedPrice    json.Number `json:"suggested_price"`
	SuggestedAmount   json.Number `json:"suggested_amount"`
	StopLoss          json.Number `json:"stop_loss"`
	TakeProfit        json.Number `json:"take_profit"`
	Leverage          json.Number `json:"leverage"`
	Reasoning         string      `json:"reasoning"`
	SupportingFactors []string    `json:"supporting_factors"`
	RiskFactors       []string    `json:"risk_factors"`
}

// Signal-type synonyms the models occasionally emit.
var signalAliases = map[string]string{
	"buy":         SignalEnterLong,
	"long":        SignalEnterLong,
	"open_long":   SignalEnterLong,
	"sell":        SignalExitLong,
	"close_long":  SignalExitLong,
	"short":       SignalEnterShort,
	"open_short":  SignalEnterShort,
	"cover":       SignalExitShort,
	"close_short": SignalExitShort,
	"wait":        SignalHold,
	"none":        SignalHold,
	"no_action":   SignalHold,
}

func normalizeSignalType(v string, log zerolog.Logger) string {
	n := strings.ToLower(strings.TrimSpace(v))
	switch n {
	case SignalEnterLong, SignalExitLong, SignalEnterShort, SignalExitShort, SignalHold:
		return n
	}
	if mapped, ok := signalAliases[n]; ok {
		return mapped
	}
	if n != "" {
		log.Warn().Str("signal_type", v).Msg("unknown signal type degraded to hold")
	}
	return SignalHold
}

// ParseSignals decodes model output into per-symbol signals. The model must
// return a JSON array; each element's symbol is normalized back onto the
// requested contract symbols. Expected symbols absent from the array map to
// nil. confidence=0 with hold is the valid "no opportunity" form.
func ParseSignals(text string, expected []string, now time.Time, log zerolog.Logger) (map[string]*TradingSignal, error) {
	payload, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	var raws []rawSignal
	if err := dec.Decode(&raws); err != nil {
		// A single object for a single symbol is tolerated.
		var one rawSignal
		dec2 := json.NewDecoder(strings.NewReader(string(payload)))
		dec2.UseNumber()
		if err2 := dec2.Decode(&one); err2 != nil {
			return nil, fmt.Errorf("decision: decode signals: %w", err)
		}
		raws = []rawSignal{one}
	}

	out := make(map[string]*TradingSignal, len(expected))
	for _, sym := range expected {
		out[sym] = nil
	}
	for _, raw := range raws {
		symbol := matchExpectedSymbol(raw.Symbol, expected)
		if symbol == "" {
			log.Warn().Str("symbol", raw.Symbol).Msg("signal for unexpected symbol dropped")
			continue
		}
		typeField := raw.SignalType
		if typeField == "" {
			typeField = raw.Signal
		}
		if typeField == "" {
			typeField = raw.Action
		}
		sig := &TradingSignal{
			Timestamp:         now,
			Symbol:            symbol,
			SignalType:        normalizeSignalType(typeField, log),
			Confidence:        clampUnit(parseNumber(raw.Confidence, decimal.Zero)),
			Reasoning:         raw.Reasoning,
			SupportingFactors: raw.SupportingFactors,
			RiskFactors:       raw.RiskFactors,
			Source:            "trader",
		}
		sig.SuggestedPrice = optionalNumber(raw.SuggestedPrice)
		sig.SuggestedAmount = optionalNumber(raw.SuggestedAmount)
		sig.StopLoss = optionalNumber(raw.StopLoss)
		sig.TakeProfit = optionalNumber(raw.TakeProfit)
		if lev := optionalNumber(raw.Leverage); lev != nil {
			n := int(lev.IntPart())
			if n >= 1 && n <= 125 {
				sig.Leverage = &n
			}
		}
		out[symbol] = sig
	}
	return out, nil
}

// matchExpectedSymbol maps a model-returned symbol ("BTC", "BTC/USDT",
// "BTCUSDT") back to the requested contract symbol.
func matchExpectedSymbol(returned string, expected []string) string {
	r := strings.ToUpper(strings.TrimSpace(returned))
	if r == "" {
		return ""
	}
	for _, sym := range expected {
		if r == sym ||
			r == exchange.BasePair(sym) ||
			r == exchange.BaseAsset(sym) ||
			r == exchange.ToExchangeSymbol(sym) {
			return sym
		}
	}
	return ""
}

func optionalNumber(n json.Number) *decimal.Decimal {
	if n == "" {
		return nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil || d.Sign() <= 0 {
		return nil
	}
	return &d
}
