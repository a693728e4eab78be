package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/decision"
	"futures-trading-engine/internal/exchange"
)

// placeOrder routes to the exchange in live mode; paper mode synthesizes an
// instantly-filled order at the reference price.
func (e *Executor) placeOrder(ctx context.Context, req exchange.OrderRequest, refPrice decimal.Decimal) (*exchange.Order, error) {
	if e.live {
		return e.client.CreateOrder(ctx, req)
	}

	o := &exchange.Order{
		ID:            "paper-" + strconv.FormatInt(e.now().UnixNano(), 36),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Amount:        req.Amount,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		Timestamp:     e.now().UnixMilli(),
	}
	if req.Type == exchange.OrderTypeMarket {
		o.Filled = req.Amount
		o.Average = refPrice
		o.Cost = refPrice.Mul(req.Amount)
		o.Status = exchange.StatusFilled
	} else {
		o.Remaining = req.Amount
		o.Status = exchange.StatusOpen
	}
	return o, nil
}

// persistOrder upserts the order row and resolves and persists its fills.
func (e *Executor) persistOrder(ctx context.Context, o *exchange.Order) error {
	if e.repo == nil {
		return nil
	}
	row := e.toOrderRow(o)
	if err := e.repo.UpsertOrder(ctx, row); err != nil {
		return err
	}
	trades, synthetic := e.resolveFills(ctx, o)
	if len(trades) == 0 {
		return nil
	}
	if !synthetic {
		// Real fills replace any placeholder written earlier for this order.
		return e.repo.ReplaceSyntheticTrades(ctx, o.ID, trades)
	}
	return e.repo.InsertTrades(ctx, trades)
}

// resolveFills gathers trade rows for an order: fills carried on the order
// itself, then a trade-history lookup, then a synthetic fallback row.
func (e *Executor) resolveFills(ctx context.Context, o *exchange.Order) ([]database.Trade, bool) {
	if len(o.Fills) > 0 {
		return e.toTradeRows(o.Symbol, o.ID, o.Fills), false
	}
	if o.Filled.Sign() <= 0 {
		return nil, false
	}

	if e.live {
		fills, err := e.client.FetchMyTrades(ctx, o.Symbol, 0, 100)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("fill lookup failed")
		} else {
			var matching []exchange.Fill
			for _, f := range fills {
				if f.OrderID == o.ID {
					matching = append(matching, f)
				}
			}
			if len(matching) > 0 {
				return e.toTradeRows(o.Symbol, o.ID, matching), false
			}
		}
	}

	// No fill rows available: fabricate one from the order's own figures.
	price := o.Average
	if price.Sign() == 0 {
		price = o.Price
	}
	fee := decimal.Zero
	return []database.Trade{{
		ID:         o.ID + "_synthetic",
		OrderID:    o.ID,
		ExchangeID: e.exchangeID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Price:      price,
		Amount:     o.Filled,
		Cost:       price.Mul(o.Filled),
		Fee:        &fee,
		Timestamp:  time.UnixMilli(o.Timestamp).UTC(),
	}}, true
}

func (e *Executor) toTradeRows(symbol, orderID string, fills []exchange.Fill) []database.Trade {
	rows := make([]database.Trade, len(fills))
	for i, f := range fills {
		fee := f.Fee
		feeCurrency := f.FeeCurrency
		rows[i] = database.Trade{
			ID:          f.ID,
			OrderID:     orderID,
			ExchangeID:  e.exchangeID,
			Symbol:      symbol,
			Side:        string(f.Side),
			Price:       f.Price,
			Amount:      f.Amount,
			Cost:        f.Cost,
			Fee:         &fee,
			FeeCurrency: &feeCurrency,
			Timestamp:   time.UnixMilli(f.Timestamp).UTC(),
		}
	}
	return rows
}

func (e *Executor) toOrderRow(o *exchange.Order) *database.Order {
	row := &database.Order{
		ID:         o.ID,
		ClientID:   o.ClientOrderID,
		ExchangeID: e.exchangeID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Status:     string(exchange.NormalizeStatus(string(o.Status), o.Filled, o.Amount)),
		Amount:     o.Amount,
		Filled:     o.Filled,
		Remaining:  o.Remaining,
		Cost:       o.Cost,
		Timestamp:  time.UnixMilli(o.Timestamp).UTC(),
		Raw:        o.Raw,
	}
	if o.Price.Sign() > 0 {
		p := o.Price
		row.Price = &p
	}
	if o.Average.Sign() > 0 {
		a := o.Average
		row.Average = &a
	}
	if o.StopPrice.Sign() > 0 {
		sp := o.StopPrice
		row.StopPrice = &sp
	}
	return row
}

// writeTradingContext refreshes the short-term cache record that downstream
// prompts read as "what just happened".
func (e *Executor) writeTradingContext(ctx context.Context, sig *decision.TradingSignal, price decimal.Decimal) {
	if e.store == nil {
		return
	}
	payload := map[string]any{
		"symbol":      sig.Symbol,
		"signal_type": sig.SignalType,
		"price":       price.String(),
		"confidence":  sig.Confidence.String(),
		"reasoning":   sig.Reasoning,
		"timestamp":   e.now().Format(time.RFC3339),
	}
	if err := e.store.SetJSON(ctx, cache.TradingContextKey(), payload, cache.TradingContextTTL); err != nil {
		e.log.Debug().Err(err).Msg("trading context cache write failed")
	}
}
