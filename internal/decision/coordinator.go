package decision

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/llm"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/portfolio"
)

// Cycle timeouts. The strategist gets a hard outer cap; the trader aborts
// only its own tick.
const (
	strategistTimeout = 120 * time.Second
	traderTimeout     = 90 * time.Second
)

// SignalExecutor makes a tactical signal real. Implemented by the trading
// executor; the returned string describes the action taken for the audit
// row.
type SignalExecutor interface {
	ProcessSignal(ctx context.Context, sig *TradingSignal, regime *MarketRegime,
		snap *market.Snapshot, pf *portfolio.Portfolio) (string, error)
}

// Coordinator interleaves the two decision loops around a shared regime
// cell. It is the sole writer of decision audit rows.
type Coordinator struct {
	strategist *Strategist
	trader     *Trader
	executor   SignalExecutor
	pm         *portfolio.Manager
	provider   *market.Provider
	repo       *database.Repository
	symbols    []string

	traderInterval     time.Duration
	strategistInterval time.Duration

	mu                sync.RWMutex
	currentRegime     *MarketRegime
	lastStrategistRun time.Time

	log zerolog.Logger
	now func() time.Time
}

// NewCoordinator wires the decision layers together.
func NewCoordinator(strategist *Strategist, trader *Trader, executor SignalExecutor,
	pm *portfolio.Manager, provider *market.Provider, repo *database.Repository,
	symbols []string, traderInterval, strategistInterval time.Duration) *Coordinator {
	return &Coordinator{
		strategist:         strategist,
		trader:             trader,
		executor:           executor,
		pm:                 pm,
		provider:           provider,
		repo:               repo,
		symbols:            symbols,
		traderInterval:     traderInterval,
		strategistInterval: strategistInterval,
		log:                logging.Component("coordinator"),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// CurrentRegime returns the shared regime cell, nil before bootstrap.
func (c *Coordinator) CurrentRegime() *MarketRegime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRegime
}

func (c *Coordinator) setRegime(r *MarketRegime) {
	c.mu.Lock()
	c.currentRegime = r
	c.lastStrategistRun = c.now()
	c.mu.Unlock()
}

// Run alternates the two cycles until the context is canceled. The first
// tick always runs the strategist; afterwards one strategist cycle runs
// every floor(strategist/trader) tactical ticks.
func (c *Coordinator) Run(ctx context.Context) {
	ratio := int(c.strategistInterval / c.traderInterval)
	if ratio < 1 {
		ratio = 1
	}
	c.log.Info().Dur("trader_interval", c.traderInterval).
		Dur("strategist_interval", c.strategistInterval).Int("ratio", ratio).
		Msg("coordinator started")

	tick := 0
	for {
		if tick%ratio == 0 {
			c.RunStrategistCycle(ctx)
		}
		if ctx.Err() != nil {
			c.log.Info().Msg("coordinator stopped")
			return
		}
		c.RunTraderCycle(ctx)
		tick++

		select {
		case <-ctx.Done():
			c.log.Info().Msg("coordinator stopped")
			return
		case <-time.After(c.traderInterval):
		}
	}
}

// RunStrategistCycle refreshes the regime cell. On failure the cached
// regime is kept if still valid; otherwise the conservative default is
// installed. Either way a strategic audit row is written.
func (c *Coordinator) RunStrategistCycle(ctx context.Context) *MarketRegime {
	cctx, cancel := context.WithTimeout(ctx, strategistTimeout)
	defer cancel()

	now := c.now()
	regime, resp, err := c.strategist.AnalyzeRegime(cctx, now)
	if err != nil {
		cached := c.CurrentRegime()
		if cached != nil && !cached.IsStale(now) {
			c.log.Warn().Err(err).Msg("strategist failed, keeping cached regime")
			c.persistStrategicRecord(ctx, cached, resp, "kept cached regime: "+err.Error())
			return cached
		}
		regime = DefaultRegime(now)
		c.log.Warn().Err(err).Msg("strategist failed with no usable cache, default regime installed")
		c.setRegime(regime)
		c.persistStrategicRecord(ctx, regime, resp, "installed default regime: "+err.Error())
		return regime
	}

	c.setRegime(regime)
	c.persistStrategicRecord(ctx, regime, resp, "regime updated")
	return regime
}

// RunTraderCycle emits and executes signals for the regime-filtered symbol
// set. Per-signal failures never abort the batch.
func (c *Coordinator) RunTraderCycle(ctx context.Context) {
	regime := c.CurrentRegime()
	if regime == nil {
		c.log.Warn().Msg("no regime, trader cycle skipped")
		return
	}
	now := c.now()
	if regime.IsStale(now) {
		c.log.Warn().Time("valid_until", regime.ValidUntil).
			Msg("regime stale, trading with reduced confidence")
	}

	symbols := c.filterSymbols(regime)
	if len(symbols) == 0 {
		c.log.Debug().Msg("no symbols match regime recommendation")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, traderTimeout)
	defer cancel()

	snapshots, err := c.provider.GetAll(cctx, symbols, "1h")
	if err != nil {
		c.log.Error().Err(err).Msg("market snapshots unavailable, trader cycle skipped")
		return
	}
	pf, err := c.pm.Current(cctx, false)
	if err != nil {
		c.log.Error().Err(err).Msg("portfolio unavailable, trader cycle skipped")
		return
	}

	signals, _, err := c.trader.GenerateSignals(cctx, regime, snapshots, pf)
	if err != nil {
		c.log.Error().Err(err).Msg("trader cycle failed")
		return
	}

	for symbol, sig := range signals {
		if sig == nil {
			continue
		}
		snap := snapshots[symbol]
		action := "hold"
		if c.executor != nil {
			a, err := c.executor.ProcessSignal(ctx, sig, regime, snap, pf)
			if err != nil {
				c.log.Error().Err(err).Str("symbol", symbol).Msg("signal execution failed")
				action = "failed: " + err.Error()
			} else {
				action = a
			}
		}
		c.persistTacticalRecord(ctx, sig, regime, snap, pf, action)
	}
}

// filterSymbols keeps configured symbols that match the regime's
// recommended set and are not blacklisted. An empty recommended set admits
// everything.
func (c *Coordinator) filterSymbols(regime *MarketRegime) []string {
	var out []string
	for _, sym := range c.symbols {
		if regime.IsBlacklisted(sym) {
			continue
		}
		if len(regime.RecommendedSymbols) > 0 && !MatchesRecommendation(sym, regime.RecommendedSymbols) {
			continue
		}
		out = append(out, sym)
	}
	return out
}

func (c *Coordinator) persistStrategicRecord(ctx context.Context, regime *MarketRegime, resp *llm.Response, action string) {
	decisionJSON, _ := json.Marshal(regime)
	rec := &database.Decision{
		Layer:        database.LayerStrategic,
		DecisionText: string(decisionJSON),
		ActionTaken:  &action,
		ModelUsed:    c.modelName(resp),
		Timestamp:    c.now(),
	}
	if resp != nil {
		rec.ThoughtProcess = resp.Content
		tokens := resp.TokensUsed
		latency := resp.Latency.Milliseconds()
		rec.TokensUsed = &tokens
		rec.LatencyMs = &latency
	}
	if err := c.repo.InsertDecision(ctx, rec); err != nil {
		c.log.Error().Err(err).Msg("strategic decision record write failed")
	}
}

func (c *Coordinator) persistTacticalRecord(ctx context.Context, sig *TradingSignal,
	regime *MarketRegime, snap *market.Snapshot, pf *portfolio.Portfolio, action string) {

	input := map[string]any{
		"regime": map[string]any{
			"bias":         regime.Bias,
			"structure":    regime.MarketStructure,
			"trading_mode": regime.TradingMode,
			"cash_ratio":   regime.CashRatio.String(),
			"stale":        regime.IsStale(c.now()),
		},
		"market": snap,
		"portfolio": map[string]any{
			"wallet_balance":  pf.WalletBalance.String(),
			"available":       pf.AvailableBalance.String(),
			"total_value":     pf.TotalValue.String(),
			"position_value":  pf.PositionValue().String(),
			"daily_pnl":       pf.DailyPnL.String(),
		},
	}
	if pos := pf.Get(sig.Symbol, sig.PositionSide()); pos != nil {
		input["position"] = pos
	}
	inputJSON, _ := json.Marshal(input)
	decisionJSON, _ := json.Marshal(sig)

	rec := &database.Decision{
		Layer:          database.LayerTactical,
		InputContext:   inputJSON,
		ThoughtProcess: sig.Reasoning,
		DecisionText:   string(decisionJSON),
		ActionTaken:    &action,
		ModelUsed:      c.trader.llm.Model(),
		Timestamp:      c.now(),
	}
	if err := c.repo.InsertDecision(ctx, rec); err != nil {
		c.log.Error().Err(err).Msg("tactical decision record write failed")
	}
}

func (c *Coordinator) modelName(resp *llm.Response) string {
	if resp != nil && resp.Model != "" {
		return resp.Model
	}
	return c.strategist.llm.Model()
}
