package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/llm"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
)

// Timeframes summarized for the strategist prompt.
var strategistTimeframes = []string{"1h", "4h", "1d"}

// Strategist turns multi-timeframe market context into one MarketRegime
// per cycle. Tool use is disabled: everything the model needs is in the
// prompt.
type Strategist struct {
	llm         *llm.Client
	provider    *market.Provider
	promptStyle string
	log         zerolog.Logger
}

// NewStrategist builds the regime analyst.
func NewStrategist(client *llm.Client, provider *market.Provider, promptStyle string) *Strategist {
	return &Strategist{
		llm:         client,
		provider:    provider,
		promptStyle: promptStyle,
		log:         logging.Component("strategist"),
	}
}

// AnalyzeRegime runs one strategist cycle. The llm.Response is returned for
// the decision audit row even when parsing fails.
func (s *Strategist) AnalyzeRegime(ctx context.Context, now time.Time) (*MarketRegime, *llm.Response, error) {
	prompt := s.buildPrompt(ctx)
	resp, err := s.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: s.systemPrompt()},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("strategist: %w", err)
	}

	regime, err := ParseRegime(resp.Content, now, s.log)
	if err != nil {
		return nil, resp, fmt.Errorf("strategist: %w", err)
	}
	s.log.Info().Str("bias", regime.Bias).Str("structure", regime.MarketStructure).
		Str("mode", regime.TradingMode).Str("cash_ratio", regime.CashRatio.String()).
		Strs("recommended", regime.RecommendedSymbols).Msg("regime updated")
	return regime, resp, nil
}

func (s *Strategist) systemPrompt() string {
	return `You are the chief strategist of an autonomous crypto futures desk.
Assess the current market regime from the data provided and answer with a single JSON object:
{
  "bias": "bullish|bearish|neutral",
  "market_structure": "trending|ranging|extreme",
  "confidence": 0.0-1.0,
  "risk_level": "low|medium|high|extreme",
  "market_narrative": "one paragraph",
  "key_drivers": ["..."],
  "time_horizon": "short|medium|long",
  "cash_ratio": 0.0-1.0,
  "trading_mode": "aggressive|normal|conservative|defensive",
  "position_sizing_multiplier": 0.0-2.0,
  "recommended_symbols": ["BTC", ...],
  "blacklist_symbols": [],
  "reasoning": "..."
}
Respond with the JSON object only.`
}

// buildPrompt summarizes BTC and ETH across the strategist timeframes.
// Missing series degrade to a note instead of failing the cycle.
func (s *Strategist) buildPrompt(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt style: %s\n\n## Market overview\n", s.promptStyle)

	for _, symbol := range []string{"BTC/USDT:USDT", "ETH/USDT:USDT"} {
		fmt.Fprintf(&b, "\n### %s\n", symbol)
		for _, tf := range strategistTimeframes {
			snap, err := s.provider.Get(ctx, symbol, tf)
			if err != nil {
				fmt.Fprintf(&b, "- %s: data unavailable\n", tf)
				continue
			}
			fmt.Fprintf(&b,
				"- %s: close=%s RSI14=%.1f MA20=%.2f MA50=%.2f trend=%s ATR14=%.2f ADX14=%.1f(%s,%s) volatility=%s\n",
				tf, snap.Price, snap.RSI14, snap.MA20, snap.MA50, snap.TrendTag,
				snap.ATR14, snap.ADX14, snap.ADXStrength, snap.ADXDir, snap.Volatility)
		}
	}
	b.WriteString("\nDecide the regime for the next hour.\n")
	return b.String()
}
