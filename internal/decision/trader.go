package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/llm"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/portfolio"
)

// Trader emits per-symbol signals in one batched LLM call per tick: one
// JSON array out, one entry per symbol, explicit holds included.
type Trader struct {
	llm                *llm.Client
	riskCfg            config.RiskConfig
	traderInterval     time.Duration
	strategistInterval time.Duration
	initialCapital     decimal.Decimal
	log                zerolog.Logger

	now func() time.Time
}

// NewTrader builds the tactical layer.
func NewTrader(client *llm.Client, riskCfg config.RiskConfig, trading config.TradingConfig) *Trader {
	return &Trader{
		llm:                client,
		riskCfg:            riskCfg,
		traderInterval:     trading.TraderInterval,
		strategistInterval: trading.StrategistInterval,
		initialCapital:     trading.InitialCapital,
		log:                logging.Component("trader"),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// GenerateSignals runs one tactical cycle over the regime-filtered symbol
// set. Symbols absent from the model's array map to nil.
func (t *Trader) GenerateSignals(ctx context.Context, regime *MarketRegime,
	snapshots map[string]*market.Snapshot, pf *portfolio.Portfolio) (map[string]*TradingSignal, *llm.Response, error) {

	symbols := make([]string, 0, len(snapshots))
	for sym := range snapshots {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return map[string]*TradingSignal{}, nil, nil
	}

	prompt := t.buildPrompt(regime, snapshots, pf, symbols)
	resp, err := t.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: t.systemPrompt()},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("trader: %w", err)
	}

	signals, err := ParseSignals(resp.Content, symbols, t.now(), t.log)
	if err != nil {
		return nil, resp, fmt.Errorf("trader: %w", err)
	}
	return signals, resp, nil
}

func (t *Trader) systemPrompt() string {
	return `You are the execution trader of an autonomous crypto futures desk.
For EVERY symbol listed, answer with one element in a single JSON array:
[{
  "symbol": "BTC/USDT:USDT",
  "signal_type": "enter_long|exit_long|enter_short|exit_short|hold",
  "confidence": 0.0-1.0,
  "suggested_price": number,
  "suggested_amount": number,
  "stop_loss": number,
  "take_profit": number,
  "leverage": 1-125,
  "reasoning": "...",
  "supporting_factors": ["..."],
  "risk_factors": ["..."]
}]
Entries require suggested_price, suggested_amount, stop_loss and take_profit.
Use {"signal_type":"hold","confidence":0} when there is no opportunity.
Respond with the JSON array only.`
}

func (t *Trader) buildPrompt(regime *MarketRegime, snapshots map[string]*market.Snapshot,
	pf *portfolio.Portfolio, symbols []string) string {

	var b strings.Builder

	b.WriteString("## Current regime\n")
	fmt.Fprintf(&b, "bias=%s structure=%s risk=%s mode=%s confidence=%s\n",
		regime.Bias, regime.MarketStructure, regime.RiskLevel, regime.TradingMode, regime.Confidence)
	fmt.Fprintf(&b, "cash_ratio=%s sizing_multiplier=%s horizon=%s\n",
		regime.CashRatio, regime.PositionSizingMultiplier, regime.TimeHorizon)
	fmt.Fprintf(&b, "recommended=%s\n", strings.Join(regime.RecommendedSymbols, ","))
	if regime.MarketNarrative != "" {
		fmt.Fprintf(&b, "narrative: %s\n", regime.MarketNarrative)
	}
	if len(regime.KeyDrivers) > 0 {
		fmt.Fprintf(&b, "key drivers: %s\n", strings.Join(regime.KeyDrivers, "; "))
	}

	b.WriteString("\n## Market data\n")
	for _, sym := range symbols {
		snap := snapshots[sym]
		fmt.Fprintf(&b, "\n### %s\n", sym)
		fmt.Fprintf(&b, "price=%s\n", snap.Price)
		fmt.Fprintf(&b, "RSI14=%.1f (%s)\n", snap.RSI14, snap.RSITag)
		fmt.Fprintf(&b, "MACD=%.4f signal=%.4f hist=%.4f (%s)\n",
			snap.MACD, snap.MACDSig, snap.MACDHist, snap.MACDTag)
		fmt.Fprintf(&b, "MA20=%.2f MA50=%.2f trend=%s\n", snap.MA20, snap.MA50, snap.TrendTag)
		fmt.Fprintf(&b, "Bollinger upper=%.2f mid=%.2f lower=%.2f position=%s\n",
			snap.BollUpper, snap.BollMiddle, snap.BollLower, snap.BollTag)
		fmt.Fprintf(&b, "ATR14=%.2f ADX14=%.1f strength=%s direction=%s\n",
			snap.ATR14, snap.ADX14, snap.ADXStrength, snap.ADXDir)

		if pos := pf.Get(sym, "buy"); pos != nil {
			b.WriteString(t.positionSection(pos))
		}
		if pos := pf.Get(sym, "sell"); pos != nil {
			b.WriteString(t.positionSection(pos))
		}
	}

	b.WriteString("\n## Account\n")
	fmt.Fprintf(&b, "wallet=%s available=%s used_margin=%s\n",
		pf.WalletBalance.Round(2), pf.AvailableBalance.Round(2), pf.UsedMargin.Round(2))
	fmt.Fprintf(&b, "position_value=%s exposure=%s%% daily_pnl=%s\n",
		pf.PositionValue().Round(2),
		pf.ExposurePct().Mul(decimal.NewFromInt(100)).Round(2), pf.DailyPnL.Round(2))
	if t.initialCapital.Sign() > 0 {
		ret := pf.TotalValue.Sub(t.initialCapital).Div(t.initialCapital).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(&b, "cumulative_return=%s%%\n", ret.Round(2))
	}

	b.WriteString("\n## Risk limits\n")
	fmt.Fprintf(&b, "max_position_size=%s stop_loss=%s take_profit=%s\n",
		t.riskCfg.MaxPositionSize, t.riskCfg.StopLossPercentage, t.riskCfg.TakeProfitPercentage)
	fmt.Fprintf(&b, "max_leverage: mainstream=%d altcoin=%d\n",
		t.riskCfg.MaxLeverageMainstream, t.riskCfg.MaxLeverageAltcoin)

	fmt.Fprintf(&b, "\nYou are called every %s; the regime refreshes every %s. Pace entries accordingly.\n",
		t.traderInterval, t.strategistInterval)
	return b.String()
}

func (t *Trader) positionSection(pos *portfolio.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "position: side=%s amount=%s leverage=%dx held=%s\n",
		pos.Side, pos.Amount, pos.Leverage, formatHolding(t.now().Sub(pos.OpenedAt)))
	fmt.Fprintf(&b, "  entry=%s current=%s", pos.EntryPrice.Round(2), pos.CurrentPrice.Round(2))
	if pos.LiquidationPrice != nil {
		fmt.Fprintf(&b, " liquidation=%s", pos.LiquidationPrice.Round(2))
	}
	b.WriteString("\n")
	if pos.StopLoss != nil || pos.TakeProfit != nil {
		b.WriteString("  protection:")
		if pos.StopLoss != nil {
			fmt.Fprintf(&b, " SL=%s", pos.StopLoss.Round(2))
		}
		if pos.TakeProfit != nil {
			fmt.Fprintf(&b, " TP=%s", pos.TakeProfit.Round(2))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "  unrealized_pnl=%s (%s%%)\n",
		pos.UnrealizedPnL.Round(2), pos.UnrealizedPnLPct.Round(2))
	return b.String()
}

// formatHolding renders a duration as Nm, Nh, or Nd.
func formatHolding(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
