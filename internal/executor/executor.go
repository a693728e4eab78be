// Package executor turns trading signals into exchange orders: validation,
// risk checks, the protective order group, fill persistence, and the
// handoff to account sync.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/accountsync"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/portfolio"
	"futures-trading-engine/internal/risk"
)

// dedupWindow suppresses a repeated exit of the same type and amount.
const dedupWindow = 10 * time.Minute

var dedupAmountTolerance = decimal.NewFromFloat(1e-6)

// ClosureRegistrar receives executor-announced exits ahead of the next sync.
type ClosureRegistrar interface {
	RegisterExpectedClose(accountsync.ExpectedClosure)
}

// lastAction is the cached record used for duplicate-exit suppression.
type lastAction struct {
	SignalType string          `json:"signal_type"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Executor is safe for sequential use per symbol; the coordinator never
// issues concurrent signals for the same (symbol, side).
type Executor struct {
	client     exchange.Client
	repo       *database.Repository
	store      *cache.Store
	pm         *portfolio.Manager
	registrar  ClosureRegistrar
	limits     risk.Limits
	exchangeID int64
	live       bool
	log        zerolog.Logger

	now func() time.Time
}

// New builds the executor. live=false runs in paper mode: no exchange
// orders, fills applied to the in-memory portfolio.
func New(client exchange.Client, repo *database.Repository, store *cache.Store,
	pm *portfolio.Manager, registrar ClosureRegistrar, limits risk.Limits,
	exchangeID int64, live bool) *Executor {
	return &Executor{
		client:     client,
		repo:       repo,
		store:      store,
		pm:         pm,
		registrar:  registrar,
		limits:     limits,
		exchangeID: exchangeID,
		live:       live,
		log:        logging.Component("executor"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessSignal runs the full pipeline for one signal. The returned string
// describes the action taken (or the rejection) for the decision audit row.
func (e *Executor) ProcessSignal(ctx context.Context, sig *decision.TradingSignal,
	regime *decision.MarketRegime, snap *market.Snapshot, pf *portfolio.Portfolio) (string, error) {

	if sig == nil || sig.SignalType == decision.SignalHold {
		return "hold", nil
	}

	// Step 1: validate and repair.
	switch {
	case sig.IsExit():
		pos := pf.Get(sig.Symbol, sig.PositionSide())
		if pos == nil || pos.Amount.Sign() <= 0 {
			return "skipped: no position to exit", nil
		}
		if sig.SuggestedAmount == nil {
			amt := pos.Amount
			sig.SuggestedAmount = &amt
		} else if sig.SuggestedAmount.Cmp(pos.Amount) > 0 {
			clamped := pos.Amount
			sig.SuggestedAmount = &clamped
		}
		if sig.SuggestedPrice == nil {
			price := snap.Price
			sig.SuggestedPrice = &price
		}
		if sig.SuggestedAmount.Cmp(pos.Amount) < 0 {
			pct := sig.SuggestedAmount.Div(pos.Amount).Mul(decimal.NewFromInt(100))
			e.log.Info().Str("symbol", sig.Symbol).Str("pct", pct.Round(1).String()).
				Msg("partial exit")
		}
		return e.processExit(ctx, sig, pos, snap)
	case sig.IsEntry():
		if sig.SuggestedAmount == nil || sig.SuggestedPrice == nil {
			return "dropped: entry without amount or price", nil
		}
		// The strategist's sizing multiplier is enforced here as well as in
		// the prompt: a sub-1 multiplier scales the requested size down.
		if regime != nil && regime.PositionSizingMultiplier.LessThan(decimal.NewFromInt(1)) {
			scaled := sig.SuggestedAmount.Mul(regime.PositionSizingMultiplier)
			sig.SuggestedAmount = &scaled
			if scaled.Sign() <= 0 {
				return "dropped: sizing multiplier reduced amount to zero", nil
			}
		}
		return e.processEntry(ctx, sig, pf)
	default:
		return fmt.Sprintf("dropped: unsupported signal type %q", sig.SignalType), nil
	}
}

// processEntry runs steps 2-3 and 6-8 and 11 for an entry signal.
func (e *Executor) processEntry(ctx context.Context, sig *decision.TradingSignal, pf *portfolio.Portfolio) (string, error) {
	// Step 2: risk check.
	check := risk.CheckOrderRisk(sig, pf, e.limits)
	for _, w := range check.Warnings {
		e.log.Warn().Str("symbol", sig.Symbol).Msg(w)
	}
	if !check.Allowed {
		if check.MaxAllowedAmount != nil {
			return fmt.Sprintf("rejected: %s (max allowed amount %s)",
				check.Reason, check.MaxAllowedAmount.Round(8)), nil
		}
		return "rejected: " + check.Reason, nil
	}

	// Step 3: fill in missing protective prices from the risk config.
	posSide := sig.PositionSide()
	if sig.StopLoss == nil || sig.TakeProfit == nil {
		sl, tp := risk.StopLossTakeProfit(*sig.SuggestedPrice, posSide, e.limits)
		if sig.StopLoss == nil {
			sig.StopLoss = &sl
		}
		if sig.TakeProfit == nil {
			sig.TakeProfit = &tp
		}
	}

	leverage := 1
	if sig.Leverage != nil {
		leverage = *sig.Leverage
	}

	// Step 6: leverage, then the atomic order group.
	if e.live && leverage > 1 {
		if err := e.client.SetLeverage(ctx, leverage, sig.Symbol); err != nil {
			e.log.Warn().Err(err).Str("symbol", sig.Symbol).Int("leverage", leverage).
				Msg("set leverage failed, proceeding with account default")
		}
	}

	main, err := e.placeOrder(ctx, exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Type:          exchange.OrderTypeMarket,
		Side:          sig.OrderSide(),
		Amount:        *sig.SuggestedAmount,
		ClientOrderID: clientID(),
	}, *sig.SuggestedPrice)
	if err != nil {
		return "", fmt.Errorf("executor: main order for %s: %w", sig.Symbol, err)
	}

	// Protective orders close the whole position; side is the opposite of
	// the position direction. Failures never roll back the main order.
	protSide := posSide.Opposite()
	if sig.StopLoss != nil {
		sl, err := e.placeOrder(ctx, exchange.OrderRequest{
			Symbol:        sig.Symbol,
			Type:          exchange.OrderTypeStopMarket,
			Side:          protSide,
			StopPrice:     *sig.StopLoss,
			ClosePosition: true,
			ClientOrderID: clientID(),
		}, decimal.Zero)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("stop-loss creation failed")
		} else if err := e.persistOrder(ctx, sl); err != nil {
			e.log.Error().Err(err).Str("order_id", sl.ID).Msg("stop-loss persistence failed")
		}
	}
	if sig.TakeProfit != nil {
		tp, err := e.placeOrder(ctx, exchange.OrderRequest{
			Symbol:        sig.Symbol,
			Type:          exchange.OrderTypeTakeProfitMarket,
			Side:          protSide,
			StopPrice:     *sig.TakeProfit,
			ClosePosition: true,
			ClientOrderID: clientID(),
		}, decimal.Zero)
		if err != nil {
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("take-profit creation failed")
		} else if err := e.persistOrder(ctx, tp); err != nil {
			e.log.Error().Err(err).Str("order_id", tp.ID).Msg("take-profit persistence failed")
		}
	}

	// Step 7: persist the main order and its fills.
	if err := e.persistOrder(ctx, main); err != nil {
		e.log.Error().Err(err).Str("order_id", main.ID).Msg("order persistence failed")
	}

	// Step 8: update the portfolio view.
	fillPrice := main.Average
	if fillPrice.Sign() == 0 {
		fillPrice = *sig.SuggestedPrice
	}
	if e.pm.PaperMode() {
		e.pm.ApplyFill(sig.Symbol, sig.OrderSide(), main.Filled, fillPrice, false, leverage)
	} else if _, err := e.pm.Current(ctx, true); err != nil {
		e.log.Warn().Err(err).Msg("post-entry portfolio sync failed")
	}

	// Step 11: refresh the trading context cache.
	e.writeTradingContext(ctx, sig, fillPrice)

	action := fmt.Sprintf("%s %s %s @ %s (lev %dx, SL %s, TP %s)",
		sig.SignalType, sig.SuggestedAmount.Round(8), sig.Symbol, fillPrice.Round(2),
		leverage, sig.StopLoss.Round(2), sig.TakeProfit.Round(2))
	e.log.Info().Str("order_id", main.ID).Msg(action)
	return action, nil
}

// processExit runs steps 4-5 and 6-11 for an exit signal.
func (e *Executor) processExit(ctx context.Context, sig *decision.TradingSignal,
	pos *portfolio.Position, snap *market.Snapshot) (string, error) {

	// Step 4: duplicate suppression via the cached last trade action.
	if e.store != nil {
		var last lastAction
		err := e.store.GetJSON(ctx, cache.TradeActionKey(sig.Symbol), &last)
		if err == nil && last.SignalType == sig.SignalType &&
			e.now().Sub(last.Timestamp) < dedupWindow &&
			last.Amount.Sub(*sig.SuggestedAmount).Abs().Cmp(dedupAmountTolerance) <= 0 {
			return "skipped: duplicate exit within dedup window", nil
		}
	}

	// Step 5: cancel stale protective orders on the symbol.
	e.cancelProtections(ctx, sig.Symbol)

	// Market exit. Reduce-only market orders rely on positionSide alone;
	// the adapter strips the redundant reduceOnly param.
	order, err := e.placeOrder(ctx, exchange.OrderRequest{
		Symbol:        sig.Symbol,
		Type:          exchange.OrderTypeMarket,
		Side:          sig.OrderSide(),
		Amount:        *sig.SuggestedAmount,
		ReduceOnly:    true,
		ClientOrderID: clientID(),
	}, *sig.SuggestedPrice)
	if err != nil {
		return "", fmt.Errorf("executor: exit order for %s: %w", sig.Symbol, err)
	}

	// Step 7: persist.
	if err := e.persistOrder(ctx, order); err != nil {
		e.log.Error().Err(err).Str("order_id", order.ID).Msg("order persistence failed")
	}

	exitPrice := order.Average
	if exitPrice.Sign() == 0 {
		exitPrice = order.Price
	}
	if exitPrice.Sign() == 0 {
		exitPrice = snap.Price
	}

	// Step 8: update the portfolio view.
	if e.pm.PaperMode() {
		e.pm.ApplyFill(sig.Symbol, sig.OrderSide(), order.Filled, exitPrice, true, pos.Leverage)
	} else if _, err := e.pm.Current(ctx, true); err != nil {
		e.log.Warn().Err(err).Msg("post-exit portfolio sync failed")
	}

	// Step 9: re-protect a partial-exit remainder when the signal supplied
	// stops on the correct side of the market.
	remaining := pos.Amount.Sub(*sig.SuggestedAmount)
	if remaining.Sign() > 0 {
		e.reprotect(ctx, sig, pos.Side, remaining, snap.Price)
	}

	// Step 10: announce the closure to account sync.
	if e.registrar != nil {
		e.registrar.RegisterExpectedClose(accountsync.ExpectedClosure{
			Symbol:    sig.Symbol,
			Side:      pos.Side,
			Amount:    *sig.SuggestedAmount,
			ExitPrice: exitPrice,
			ExitTime:  e.now(),
			OrderID:   order.ID,
			Reason:    database.CloseReasonManual,
		})
	}

	// Record the action for step-4 dedup of the next signal.
	if e.store != nil {
		_ = e.store.SetJSON(ctx, cache.TradeActionKey(sig.Symbol), lastAction{
			SignalType: sig.SignalType,
			Amount:     *sig.SuggestedAmount,
			Timestamp:  e.now(),
		}, cache.TradeActionTTL)
	}

	// Step 11: refresh the trading context cache.
	e.writeTradingContext(ctx, sig, exitPrice)

	action := fmt.Sprintf("%s %s %s @ %s", sig.SignalType,
		sig.SuggestedAmount.Round(8), sig.Symbol, exitPrice.Round(2))
	e.log.Info().Str("order_id", order.ID).Msg(action)
	return action, nil
}

// reprotect places fresh reduce-only stops on the remainder of a partial
// exit, skipping prices on the wrong side of the market.
func (e *Executor) reprotect(ctx context.Context, sig *decision.TradingSignal,
	posSide exchange.Side, remaining, current decimal.Decimal) {

	long := posSide == exchange.SideBuy
	protSide := posSide.Opposite()

	if sig.StopLoss != nil {
		ok := (long && sig.StopLoss.Cmp(current) < 0) || (!long && sig.StopLoss.Cmp(current) > 0)
		if ok {
			if _, err := e.placeOrder(ctx, exchange.OrderRequest{
				Symbol:        sig.Symbol,
				Type:          exchange.OrderTypeStopMarket,
				Side:          protSide,
				Amount:        remaining,
				StopPrice:     *sig.StopLoss,
				ReduceOnly:    true,
				ClientOrderID: clientID(),
			}, decimal.Zero); err != nil {
				e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("residual stop-loss failed")
			}
		} else {
			e.log.Warn().Str("symbol", sig.Symbol).Str("stop", sig.StopLoss.String()).
				Str("current", current.String()).Msg("residual stop on wrong side, skipped")
		}
	}
	if sig.TakeProfit != nil {
		ok := (long && sig.TakeProfit.Cmp(current) > 0) || (!long && sig.TakeProfit.Cmp(current) < 0)
		if ok {
			if _, err := e.placeOrder(ctx, exchange.OrderRequest{
				Symbol:        sig.Symbol,
				Type:          exchange.OrderTypeTakeProfitMarket,
				Side:          protSide,
				Amount:        remaining,
				StopPrice:     *sig.TakeProfit,
				ReduceOnly:    true,
				ClientOrderID: clientID(),
			}, decimal.Zero); err != nil {
				e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("residual take-profit failed")
			}
		} else {
			e.log.Warn().Str("symbol", sig.Symbol).Str("tp", sig.TakeProfit.String()).
				Str("current", current.String()).Msg("residual take-profit on wrong side, skipped")
		}
	}
}

// cancelProtections cancels stop, take-profit and close-position orders
// open on the symbol. Cancellation failures are logged and skipped.
func (e *Executor) cancelProtections(ctx context.Context, symbol string) {
	if !e.live {
		return
	}
	orders, err := e.client.FetchOpenOrders(ctx, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("open orders fetch failed")
		return
	}
	for i := range orders {
		o := &orders[i]
		if !o.IsProtective() && !o.ClosePosition {
			continue
		}
		if err := e.client.CancelOrder(ctx, o.ID, symbol); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("protective order cancel failed")
			continue
		}
		e.log.Debug().Str("order_id", o.ID).Str("type", string(o.Type)).
			Msg("stale protective order canceled")
	}
}

func clientID() string {
	return "x-" + uuid.NewString()[:20]
}
