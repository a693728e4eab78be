// Package portfolio maintains the engine's view of account state: balances
// and live positions, in paper or live mode.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/exchange"
)

// PositionKey identifies a hedge-mode position slot.
type PositionKey struct {
	Symbol string
	Side   exchange.Side
}

// Position is one live position in the portfolio view.
type Position struct {
	Symbol           string           `json:"symbol"`
	Side             exchange.Side    `json:"side"`
	Amount           decimal.Decimal  `json:"amount"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	Value            decimal.Decimal  `json:"value"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal  `json:"unrealized_pnl_pct"`
	Leverage         int              `json:"leverage"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
}

// Protection is the stop/take-profit pair derived from exchange-side
// reduce-only orders.
type Protection struct {
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// Portfolio is one consistent account view. TotalValue includes unrealized
// PnL; UsedMargin comes from the exchange's initial-margin figure.
type Portfolio struct {
	WalletBalance    decimal.Decimal           `json:"wallet_balance"`
	AvailableBalance decimal.Decimal           `json:"available_balance"`
	UsedMargin       decimal.Decimal           `json:"used_margin"`
	UnrealizedPnL    decimal.Decimal           `json:"unrealized_pnl"`
	TotalValue       decimal.Decimal           `json:"total_value"`
	Positions        map[PositionKey]*Position `json:"-"`
	DailyPnL         decimal.Decimal           `json:"daily_pnl"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// PositionList returns positions in deterministic-enough slice form for
// serialization.
func (p *Portfolio) PositionList() []*Position {
	out := make([]*Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, pos)
	}
	return out
}

// PositionValue sums amount*current_price across all positions.
func (p *Portfolio) PositionValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.Value)
	}
	return total
}

// ExposurePct returns position value over total value as a fraction, zero
// when the account is empty.
func (p *Portfolio) ExposurePct() decimal.Decimal {
	if p.TotalValue.Sign() <= 0 {
		return decimal.Zero
	}
	return p.PositionValue().Div(p.TotalValue)
}

// Get returns the position for (symbol, side), nil when absent.
func (p *Portfolio) Get(symbol string, side exchange.Side) *Position {
	return p.Positions[PositionKey{Symbol: symbol, Side: side}]
}

// Opposite returns the opposite-direction position on the same symbol.
func (p *Portfolio) Opposite(symbol string, side exchange.Side) *Position {
	return p.Positions[PositionKey{Symbol: symbol, Side: side.Opposite()}]
}

func (p *Portfolio) clone() *Portfolio {
	cp := *p
	cp.Positions = make(map[PositionKey]*Position, len(p.Positions))
	for k, v := range p.Positions {
		pos := *v
		cp.Positions[k] = &pos
	}
	return &cp
}

// recompute refreshes per-position PnL figures and the aggregate totals.
func (p *Portfolio) recompute() {
	upnl := decimal.Zero
	for _, pos := range p.Positions {
		pos.Value = pos.Amount.Mul(pos.CurrentPrice)
		diff := pos.CurrentPrice.Sub(pos.EntryPrice)
		if pos.Side == exchange.SideSell {
			diff = diff.Neg()
		}
		pos.UnrealizedPnL = diff.Mul(pos.Amount)
		entryValue := pos.EntryPrice.Mul(pos.Amount)
		if entryValue.Sign() > 0 {
			pos.UnrealizedPnLPct = pos.UnrealizedPnL.Div(entryValue).Mul(decimal.NewFromInt(100))
		} else {
			pos.UnrealizedPnLPct = decimal.Zero
		}
		upnl = upnl.Add(pos.UnrealizedPnL)
	}
	p.UnrealizedPnL = upnl
	p.TotalValue = p.WalletBalance.Add(upnl)
}
