package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("database: not found")

const positionColumns = `
	id, exchange_id, symbol, side, amount::text, entry_price::text,
	current_price::text, value::text, unrealized_pnl::text, unrealized_pnl_pct::text,
	stop_loss::text, take_profit::text, leverage, liquidation_price::text,
	entry_fee::text, entry_order_id, opened_at, is_open, updated_at`

// GetOpenPositions returns all live rows for an exchange.
func (r *Repository) GetOpenPositions(ctx context.Context, exchangeID int64) ([]Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE exchange_id = $1 AND is_open ORDER BY symbol, side`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("repository: open positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetOpenPosition returns the live row for one (symbol, side), or ErrNotFound.
func (r *Repository) GetOpenPosition(ctx context.Context, exchangeID int64, symbol, side string) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE exchange_id = $1 AND symbol = $2 AND side = $3 AND is_open`,
		exchangeID, symbol, side)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpsertPosition inserts or refreshes the live row for (symbol, side). The
// partial unique index keeps at most one open row per key.
func (r *Repository) UpsertPosition(ctx context.Context, p *Position) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO positions (
			exchange_id, symbol, side, amount, entry_price, current_price, value,
			unrealized_pnl, unrealized_pnl_pct, stop_loss, take_profit,
			leverage, liquidation_price, entry_fee, entry_order_id, opened_at, is_open
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12, $13::numeric, $14::numeric, $15, $16, TRUE
		)
		ON CONFLICT (exchange_id, symbol, side) WHERE is_open DO UPDATE SET
			amount = EXCLUDED.amount,
			current_price = EXCLUDED.current_price,
			value = EXCLUDED.value,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			unrealized_pnl_pct = EXCLUDED.unrealized_pnl_pct,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			leverage = EXCLUDED.leverage,
			liquidation_price = EXCLUDED.liquidation_price,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`,
		p.ExchangeID, p.Symbol, p.Side, decStr(p.Amount), decStr(p.EntryPrice),
		decStr(p.CurrentPrice), decStr(p.Value),
		decStr(p.UnrealizedPnL), decStr(p.UnrealizedPnLPct),
		decPtrStr(p.StopLoss), decPtrStr(p.TakeProfit),
		p.Leverage, decPtrStr(p.LiquidationPrice), decStr(p.EntryFee),
		p.EntryOrderID, p.OpenedAt.UTC(),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("repository: upsert position %s/%s: %w", p.Symbol, p.Side, err)
	}
	return nil
}

// ReducePosition shrinks the live row after a partial close. Entry fee is
// reduced pro rata so the remainder carries only its share.
func (r *Repository) ReducePosition(ctx context.Context, id int64, newAmount, newEntryFee string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			amount = $2::numeric,
			value = $2::numeric * current_price,
			entry_fee = $3::numeric,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND is_open`,
		id, newAmount, newEntryFee)
	if err != nil {
		return fmt.Errorf("repository: reduce position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePositionRow marks a live row closed. The partial index frees the
// (symbol, side) slot for the next open.
func (r *Repository) ClosePositionRow(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET is_open = FALSE, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND is_open`, id)
	if err != nil {
		return fmt.Errorf("repository: close position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePositionProtection writes stop-loss and take-profit observed from
// open protective orders.
func (r *Repository) UpdatePositionProtection(ctx context.Context, id int64, stopLoss, takeProfit *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			stop_loss = $2::numeric,
			take_profit = $3::numeric,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND is_open`,
		id, stopLoss, takeProfit)
	if err != nil {
		return fmt.Errorf("repository: update protection %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	p := &Position{}
	var amount, entryPrice, currentPrice, value, upnl, upnlPct, entryFee string
	var stopLoss, takeProfit, liqPrice *string
	err := row.Scan(&p.ID, &p.ExchangeID, &p.Symbol, &p.Side,
		&amount, &entryPrice, &currentPrice, &value, &upnl, &upnlPct,
		&stopLoss, &takeProfit, &p.Leverage, &liqPrice,
		&entryFee, &p.EntryOrderID, &p.OpenedAt, &p.IsOpen, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("repository: scan position: %w", err)
	}
	p.Amount = parseDec(amount)
	p.EntryPrice = parseDec(entryPrice)
	p.CurrentPrice = parseDec(currentPrice)
	p.Value = parseDec(value)
	p.UnrealizedPnL = parseDec(upnl)
	p.UnrealizedPnLPct = parseDec(upnlPct)
	p.StopLoss = parseDecPtr(stopLoss)
	p.TakeProfit = parseDecPtr(takeProfit)
	p.LiquidationPrice = parseDecPtr(liqPrice)
	p.EntryFee = parseDec(entryFee)
	return p, nil
}
