package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/logging"
)

// Binance is the USDM futures implementation of Client. A single instance is
// shared process-wide; the embedded limiter acquires weight before every call.
type Binance struct {
	client  *futures.Client
	limiter *rateLimiter
	log     zerolog.Logger
}

// Config for the Binance adapter.
type Config struct {
	APIKey       string
	SecretKey    string
	TestNet      bool
	WeightBudget int
}

// NewBinance builds the adapter. TestNet swaps the fapi endpoints to the
// demo host before the client is constructed.
func NewBinance(cfg Config) *Binance {
	futures.UseTestnet = cfg.TestNet
	return &Binance{
		client:  futures.NewClient(cfg.APIKey, cfg.SecretKey),
		limiter: newRateLimiter(cfg.WeightBudget, time.Minute),
		log:     logging.Component("exchange"),
	}
}

func (b *Binance) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return nil, err
	}
	prices, err := b.client.NewListPricesService().Symbol(ToExchangeSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_ticker", symbol, err)
	}
	if len(prices) == 0 {
		return nil, &APIError{Op: "fetch_ticker", Symbol: symbol, Msg: "empty price response"}
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      parseDecimal(prices[0].Price),
		Timestamp: time.Now().UTC().UnixMilli(),
	}, nil
}

func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error) {
	if err := b.limiter.acquire(ctx, 5); err != nil {
		return nil, err
	}
	svc := b.client.NewKlinesService().Symbol(ToExchangeSymbol(symbol)).Interval(timeframe)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_ohlcv", symbol, err)
	}
	candles := make([]Candle, 0, len(rows))
	for _, k := range rows {
		candles = append(candles, Candle{
			Timestamp: k.OpenTime,
			Open:      parseDecimal(k.Open),
			High:      parseDecimal(k.High),
			Low:       parseDecimal(k.Low),
			Close:     parseDecimal(k.Close),
			Volume:    parseDecimal(k.Volume),
		})
	}
	return candles, nil
}

func (b *Binance) FetchBalance(ctx context.Context) (*Balance, error) {
	if err := b.limiter.acquire(ctx, 5); err != nil {
		return nil, err
	}
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_balance", "", err)
	}
	wallet := parseDecimal(acct.TotalWalletBalance)
	available := parseDecimal(acct.AvailableBalance)
	used := parseDecimal(acct.TotalInitialMargin)
	if used.Sign() == 0 {
		used = decimal.Max(wallet.Sub(available), decimal.Zero)
	}
	return &Balance{
		WalletBalance:    wallet,
		AvailableBalance: available,
		MarginBalance:    parseDecimal(acct.TotalMarginBalance),
		UnrealizedPnL:    parseDecimal(acct.TotalUnrealizedProfit),
		UsedMargin:       used,
	}, nil
}

func (b *Binance) FetchPositions(ctx context.Context, symbols []string) ([]Position, error) {
	if err := b.limiter.acquire(ctx, 5); err != nil {
		return nil, err
	}
	svc := b.client.NewGetPositionRiskService()
	if len(symbols) == 1 {
		svc = svc.Symbol(ToExchangeSymbol(symbols[0]))
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_positions", "", err)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[ToExchangeSymbol(s)] = true
	}
	var out []Position
	for _, p := range rows {
		amt := parseDecimal(p.PositionAmt)
		if amt.Sign() == 0 {
			continue
		}
		if len(symbols) > 0 && !want[p.Symbol] {
			continue
		}
		out = append(out, mapPositionRisk(p, amt))
	}
	return out, nil
}

func mapPositionRisk(p *futures.PositionRisk, amt decimal.Decimal) Position {
	side := SideBuy
	switch p.PositionSide {
	case "LONG":
		side = SideBuy
	case "SHORT":
		side = SideSell
	default: // one-way mode: sign of the amount decides
		if amt.Sign() < 0 {
			side = SideSell
		}
	}
	contracts := amt.Abs()
	mark := parseDecimal(p.MarkPrice)
	notional := parseDecimal(p.Notional).Abs()
	if notional.Sign() == 0 {
		notional = contracts.Mul(mark)
	}
	lev, _ := strconv.Atoi(p.Leverage)
	margin := parseDecimal(p.IsolatedMargin)
	if lev == 0 && margin.Sign() > 0 && notional.Sign() > 0 {
		lev = int(notional.Div(margin).Round(0).IntPart())
	}
	updated := p.UpdateTime
	if updated == 0 {
		updated = time.Now().UTC().UnixMilli()
	}
	return Position{
		Symbol:           FromExchangeSymbol(p.Symbol),
		Side:             side,
		Contracts:        contracts,
		EntryPrice:       parseDecimal(p.EntryPrice),
		MarkPrice:        mark,
		UnrealizedPnL:    parseDecimal(p.UnRealizedProfit),
		Leverage:         lev,
		LiquidationPrice: parseDecimal(p.LiquidationPrice),
		Notional:         notional,
		InitialMargin:    margin,
		UpdateTime:       updated,
	}
}

func (b *Binance) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]Fill, error) {
	if err := b.limiter.acquire(ctx, 5); err != nil {
		return nil, err
	}
	svc := b.client.NewListAccountTradeService().Symbol(ToExchangeSymbol(symbol))
	if since > 0 {
		svc = svc.StartTime(since)
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_my_trades", symbol, err)
	}
	fills := make([]Fill, 0, len(rows))
	for _, t := range rows {
		side := SideBuy
		if t.Side == futures.SideTypeSell {
			side = SideSell
		}
		fills = append(fills, Fill{
			ID:          strconv.FormatInt(t.ID, 10),
			OrderID:     strconv.FormatInt(t.OrderID, 10),
			Symbol:      symbol,
			Side:        side,
			Price:       parseDecimal(t.Price),
			Amount:      parseDecimal(t.Quantity),
			Cost:        parseDecimal(t.QuoteQuantity),
			Fee:         parseDecimal(t.Commission),
			FeeCurrency: t.CommissionAsset,
			Timestamp:   t.Time,
		})
	}
	return fills, nil
}

func (b *Binance) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return err
	}
	_, err := b.client.NewChangeLeverageService().
		Symbol(ToExchangeSymbol(symbol)).Leverage(leverage).Do(ctx)
	return wrapErr("set_leverage", symbol, err)
}

func (b *Binance) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return nil, err
	}
	svc := b.client.NewCreateOrderService().
		Symbol(ToExchangeSymbol(req.Symbol)).
		Side(toBinanceSide(req.Side)).
		Type(toBinanceOrderType(req.Type)).
		PositionSide(futures.PositionSideType(InferPositionSide(req.Side, req.ReduceOnly || req.ClosePosition))).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if !req.ClosePosition {
		svc = svc.Quantity(req.Amount.String())
	} else {
		svc = svc.ClosePosition(true)
	}
	if req.Type == OrderTypeLimit {
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	}
	switch req.Type {
	case OrderTypeStopMarket, OrderTypeTakeProfitMarket, OrderTypeStopLimit, OrderTypeTakeProfitLimit:
		svc = svc.StopPrice(req.StopPrice.String()).WorkingType(futures.WorkingTypeContractPrice)
	}
	// USDM rejects an explicit reduceOnly on market orders as redundant with
	// positionSide, so it is only sent for non-market order types.
	if req.ReduceOnly && req.Type != OrderTypeMarket && !req.ClosePosition {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, &OrderError{Op: "create", Symbol: req.Symbol, Err: wrapErr("create_order", req.Symbol, err)}
	}
	return mapCreateResponse(req.Symbol, resp), nil
}

func mapCreateResponse(symbol string, r *futures.CreateOrderResponse) *Order {
	amount := parseDecimal(r.OrigQuantity)
	filled := parseDecimal(r.ExecutedQuantity)
	raw, _ := json.Marshal(r)
	return &Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        symbol,
		Side:          fromBinanceSide(r.Side),
		Type:          fromBinanceOrderType(r.Type),
		Status:        NormalizeStatus(string(r.Status), filled, amount),
		Price:         parseDecimal(r.Price),
		Amount:        amount,
		Filled:        filled,
		Remaining:     amount.Sub(filled),
		Cost:          parseDecimal(r.CumQuote),
		Average:       parseDecimal(r.AvgPrice),
		StopPrice:     parseDecimal(r.StopPrice),
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		Timestamp:     r.UpdateTime,
		Raw:           raw,
	}
}

func (b *Binance) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return err
	}
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &OrderError{Op: "cancel", Symbol: symbol, OrderID: id, Err: err}
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(ToExchangeSymbol(symbol)).OrderID(orderID).Do(ctx)
	if err != nil {
		return &OrderError{Op: "cancel", Symbol: symbol, OrderID: id, Err: wrapErr("cancel_order", symbol, err)}
	}
	return nil
}

func (b *Binance) FetchOrder(ctx context.Context, id, symbol string) (*Order, error) {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return nil, err
	}
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &OrderError{Op: "fetch", Symbol: symbol, OrderID: id, Err: err}
	}
	o, err := b.client.NewGetOrderService().
		Symbol(ToExchangeSymbol(symbol)).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, &OrderError{Op: "fetch", Symbol: symbol, OrderID: id, Err: wrapErr("fetch_order", symbol, err)}
	}
	return mapOrder(symbol, o), nil
}

func (b *Binance) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := b.limiter.acquire(ctx, 1); err != nil {
		return nil, err
	}
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(ToExchangeSymbol(symbol))
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("fetch_open_orders", symbol, err)
	}
	out := make([]Order, 0, len(rows))
	for _, o := range rows {
		sym := symbol
		if sym == "" {
			sym = FromExchangeSymbol(o.Symbol)
		}
		out = append(out, *mapOrder(sym, o))
	}
	return out, nil
}

func mapOrder(symbol string, o *futures.Order) *Order {
	amount := parseDecimal(o.OrigQuantity)
	filled := parseDecimal(o.ExecutedQuantity)
	raw, _ := json.Marshal(o)
	ts := o.Time
	if ts == 0 {
		ts = o.UpdateTime
	}
	return &Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          fromBinanceSide(o.Side),
		Type:          fromBinanceOrderType(o.Type),
		Status:        NormalizeStatus(string(o.Status), filled, amount),
		Price:         parseDecimal(o.Price),
		Amount:        amount,
		Filled:        filled,
		Remaining:     amount.Sub(filled),
		Cost:          parseDecimal(o.CumQuote),
		Average:       parseDecimal(o.AvgPrice),
		StopPrice:     parseDecimal(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		Timestamp:     ts,
		Raw:           raw,
	}
}

func toBinanceSide(s Side) futures.SideType {
	if s == SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func fromBinanceSide(s futures.SideType) Side {
	if s == futures.SideTypeBuy {
		return SideBuy
	}
	return SideSell
}

func toBinanceOrderType(t OrderType) futures.OrderType {
	switch t {
	case OrderTypeLimit:
		return futures.OrderTypeLimit
	case OrderTypeStopMarket:
		return futures.OrderTypeStopMarket
	case OrderTypeStopLimit:
		return futures.OrderTypeStop
	case OrderTypeTakeProfitMarket:
		return futures.OrderTypeTakeProfitMarket
	case OrderTypeTakeProfitLimit:
		return futures.OrderTypeTakeProfit
	default:
		return futures.OrderTypeMarket
	}
}

func fromBinanceOrderType(t futures.OrderType) OrderType {
	switch t {
	case futures.OrderTypeLimit:
		return OrderTypeLimit
	case futures.OrderTypeStopMarket:
		return OrderTypeStopMarket
	case futures.OrderTypeStop:
		return OrderTypeStopLimit
	case futures.OrderTypeTakeProfitMarket:
		return OrderTypeTakeProfitMarket
	case futures.OrderTypeTakeProfit:
		return OrderTypeTakeProfitLimit
	default:
		return OrderTypeMarket
	}
}

// parseDecimal parses exchange numeric strings defensively; malformed or
// empty values become zero.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
