// Package exchange defines the adapter contract the engine consumes and its
// Binance USDM futures implementation.
package exchange

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Side is the order/position direction. Long positions are entered with buy,
// short positions with sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reversing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide returns the hedge-mode position side this direction opens.
func (s Side) PositionSide() string {
	if s == SideBuy {
		return "LONG"
	}
	return "SHORT"
}

// OrderType covers the order kinds the engine places or inspects.
type OrderType string

const (
	OrderTypeMarket           OrderType = "market"
	OrderTypeLimit            OrderType = "limit"
	OrderTypeStopMarket       OrderType = "stop_loss"
	OrderTypeStopLimit        OrderType = "stop_loss_limit"
	OrderTypeTakeProfitMarket OrderType = "take_profit"
	OrderTypeTakeProfitLimit  OrderType = "take_profit_limit"
)

// OrderStatus is the normalized order lifecycle state.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Ticker is the latest traded price for a contract.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Timestamp int64
}

// Candle is one OHLCV bar, timestamp in UTC milliseconds.
type Candle struct {
	Timestamp int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Balance is the futures wallet extraction. WalletBalance and
// AvailableBalance come from the raw account payload, not the normalized
// totals (those are margin balance).
type Balance struct {
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginBalance    decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UsedMargin       decimal.Decimal
}

// Position is the exchange-truth view of one (symbol, side) position.
// Contracts is the absolute size; Side is resolved from positionSide in
// hedge mode or the sign of the position amount in one-way mode.
type Position struct {
	Symbol           string
	Side             Side
	Contracts        decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
	Notional         decimal.Decimal
	InitialMargin    decimal.Decimal
	UpdateTime       int64 // ms
}

// OrderRequest is a create-order call. PositionSide is inferred from
// (Side, ReduceOnly) by the adapter; callers never set it directly.
type OrderRequest struct {
	Symbol        string
	Type          OrderType
	Side          Side
	Amount        decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market
	StopPrice     decimal.Decimal // trigger for stop / take-profit orders
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// Order is a normalized exchange order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	Cost          decimal.Decimal
	Average       decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	Timestamp     int64 // ms
	Fills         []Fill
	Raw           json.RawMessage
}

// Fill is one executed trade row. OrderType is populated only when the
// parent order has been resolved (account-trade endpoints do not carry it).
type Fill struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Cost        decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Timestamp   int64 // ms
	OrderType   string
}

// Client is the async exchange facade the engine consumes. Implementations
// rate-limit internally; every call honors the context.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchPositions(ctx context.Context, symbols []string) ([]Position, error)
	FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]Fill, error)
	SetLeverage(ctx context.Context, leverage int, symbol string) error
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchOrder(ctx context.Context, id, symbol string) (*Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// NormalizeStatus maps a raw exchange status plus fill progress onto the
// internal state. A fully filled order is always reported as filled
// regardless of the exchange's status string.
func NormalizeStatus(raw string, filled, amount decimal.Decimal) OrderStatus {
	if amount.Sign() > 0 && filled.Cmp(amount) >= 0 {
		return StatusFilled
	}
	switch raw {
	case "NEW", "open":
		return StatusOpen
	case "PARTIALLY_FILLED", "partially_filled":
		return StatusPartiallyFilled
	case "FILLED", "filled":
		return StatusFilled
	case "CANCELED", "CANCELLED", "canceled":
		return StatusCanceled
	case "REJECTED", "rejected":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH", "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// InferPositionSide resolves the hedge-mode positionSide for an order:
// a reduce-only buy reduces a short, a reduce-only sell reduces a long;
// otherwise a buy opens a long and a sell opens a short.
func InferPositionSide(side Side, reduceOnly bool) string {
	if reduceOnly {
		return side.Opposite().PositionSide()
	}
	return side.PositionSide()
}

// IsProtective reports whether an order is a stop-loss/take-profit bracket.
func (o *Order) IsProtective() bool {
	switch o.Type {
	case OrderTypeStopMarket, OrderTypeStopLimit, OrderTypeTakeProfitMarket, OrderTypeTakeProfitLimit:
		return true
	}
	return o.ClosePosition
}
