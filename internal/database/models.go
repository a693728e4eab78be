package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the static venue record. Resolved once at startup and cached
// by name; credentials never touch this table.
type Exchange struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	TestNet bool   `json:"testnet"`
}

// Order mirrors a normalized exchange order. Rows are UPSERTed by id; a
// fully filled order is always stored with status "filled".
type Order struct {
	ID              string           `json:"id"`
	ClientID        string           `json:"client_id"`
	ExchangeID      int64            `json:"exchange_id"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Status          string           `json:"status"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Filled          decimal.Decimal  `json:"filled"`
	Remaining       decimal.Decimal  `json:"remaining"`
	Cost            decimal.Decimal  `json:"cost"`
	Average         *decimal.Decimal `json:"average,omitempty"`
	Fee             *decimal.Decimal `json:"fee,omitempty"`
	FeeCurrency     *string          `json:"fee_currency,omitempty"`
	StopPrice       *decimal.Decimal `json:"stop_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Raw             []byte           `json:"-"`
}

// Trade is one persisted fill. Synthetic rows use id "<order_id>_synthetic"
// and are replaced when real fills arrive for the same order.
type Trade struct {
	ID          string           `json:"id"`
	OrderID     string           `json:"order_id"`
	ExchangeID  int64            `json:"exchange_id"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Price       decimal.Decimal  `json:"price"`
	Amount      decimal.Decimal  `json:"amount"`
	Cost        decimal.Decimal  `json:"cost"`
	Fee         *decimal.Decimal `json:"fee,omitempty"`
	FeeCurrency *string          `json:"fee_currency,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Position is a live position row. (exchange_id, symbol, side) is unique
// while is_open; the account sync service is the sole writer.
type Position struct {
	ID               int64            `json:"id"`
	ExchangeID       int64            `json:"exchange_id"`
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	Amount           decimal.Decimal  `json:"amount"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	Value            decimal.Decimal  `json:"value"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal  `json:"unrealized_pnl_pct"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	Leverage         *int             `json:"leverage,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	EntryFee         decimal.Decimal  `json:"entry_fee"`
	EntryOrderID     *string          `json:"entry_order_id,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	IsOpen           bool             `json:"is_open"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Close reasons for the ledger.
const (
	CloseReasonManual      = "manual"
	CloseReasonStopLoss    = "stop_loss"
	CloseReasonTakeProfit  = "take_profit"
	CloseReasonLiquidation = "liquidation"
	CloseReasonSystem      = "system"
	CloseReasonUnknown     = "unknown"
)

// ClosedPosition is one append-only ledger row emitted when a live position
// shrinks or reaches zero.
type ClosedPosition struct {
	ID                      int64           `json:"id"`
	ExchangeID              int64           `json:"exchange_id"`
	Symbol                  string          `json:"symbol"`
	Side                    string          `json:"side"`
	EntryOrderID            *string         `json:"entry_order_id,omitempty"`
	EntryPrice              decimal.Decimal `json:"entry_price"`
	EntryTime               time.Time       `json:"entry_time"`
	ExitOrderID             *string         `json:"exit_order_id,omitempty"`
	ExitPrice               decimal.Decimal `json:"exit_price"`
	ExitTime                time.Time       `json:"exit_time"`
	Amount                  decimal.Decimal `json:"amount"`
	EntryValue              decimal.Decimal `json:"entry_value"`
	ExitValue               decimal.Decimal `json:"exit_value"`
	RealizedPnL             decimal.Decimal `json:"realized_pnl"`
	RealizedPnLPct          decimal.Decimal `json:"realized_pnl_pct"`
	TotalFee                decimal.Decimal `json:"total_fee"`
	FeeCurrency             string          `json:"fee_currency"`
	CloseReason             string          `json:"close_reason"`
	HoldingDurationSeconds  int64           `json:"holding_duration_seconds"`
	Leverage                *int            `json:"leverage,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

// PortfolioSnapshot has two write modes: the single mutable latest row and
// immutable archive rows.
type PortfolioSnapshot struct {
	ID               int64           `json:"id"`
	ExchangeID       int64           `json:"exchange_id"`
	WalletBalance    decimal.Decimal `json:"wallet_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	MarginBalance    decimal.Decimal `json:"margin_balance"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Positions        []byte          `json:"positions"` // JSON array
	SnapshotDate     time.Time       `json:"snapshot_date"`
	Timestamp        time.Time       `json:"timestamp"`
	IsArchive        bool            `json:"is_archive"`
	ArchiveReason    *string         `json:"archive_reason,omitempty"` // initial, hourly, position_change
	PositionCount    int             `json:"position_count"`
}

// Decision layers.
const (
	LayerStrategic = "strategic"
	LayerTactical  = "tactical"
)

// Decision is one append-only decision audit row.
type Decision struct {
	ID             int64     `json:"id"`
	Layer          string    `json:"decision_layer"`
	InputContext   []byte    `json:"input_context"` // JSON
	ThoughtProcess string    `json:"thought_process"`
	ToolsUsed      []string  `json:"tools_used"`
	DecisionText   string    `json:"decision"`
	ActionTaken    *string   `json:"action_taken,omitempty"`
	ModelUsed      string    `json:"model_used"`
	TokensUsed     *int      `json:"tokens_used,omitempty"`
	LatencyMs      *int64    `json:"latency_ms,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Kline is one OHLCV row, unique on (exchange_id, symbol, timeframe, timestamp).
type Kline struct {
	ExchangeID int64           `json:"exchange_id"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// AccountSettings is the single per-exchange baseline row for total-return
// figures.
type AccountSettings struct {
	ExchangeID      int64           `json:"exchange_id"`
	InitialCapital  decimal.Decimal `json:"initial_capital"`
	CapitalCurrency string          `json:"capital_currency"`
	SetAt           time.Time       `json:"set_at"`
	Notes           *string         `json:"notes,omitempty"`
}

// SystemEvent records lifecycle transitions (startup, regime replacement,
// circuit-breaker trips).
type SystemEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Data      []byte    `json:"data,omitempty"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}
