package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertOrder writes or refreshes an order row keyed by exchange order ID.
func (r *Repository) UpsertOrder(ctx context.Context, o *Order) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, client_id, exchange_id, symbol, side, type, status,
			price, amount, filled, remaining, cost, average,
			fee, fee_currency, stop_price, take_profit_price, stop_loss_price,
			timestamp, raw_blob
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14::numeric, $15, $16::numeric, $17::numeric, $18::numeric,
			$19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filled = EXCLUDED.filled,
			remaining = EXCLUDED.remaining,
			cost = EXCLUDED.cost,
			average = EXCLUDED.average,
			fee = EXCLUDED.fee,
			fee_currency = EXCLUDED.fee_currency,
			raw_blob = EXCLUDED.raw_blob,
			updated_at = CURRENT_TIMESTAMP`,
		o.ID, o.ClientID, o.ExchangeID, o.Symbol, o.Side, o.Type, o.Status,
		decPtrStr(o.Price), decStr(o.Amount), decStr(o.Filled), decStr(o.Remaining),
		decStr(o.Cost), decPtrStr(o.Average),
		decPtrStr(o.Fee), o.FeeCurrency, decPtrStr(o.StopPrice),
		decPtrStr(o.TakeProfitPrice), decPtrStr(o.StopLossPrice),
		o.Timestamp.UTC(), o.Raw,
	)
	if err != nil {
		return fmt.Errorf("repository: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder loads one order row; pgx.ErrNoRows when absent.
func (r *Repository) GetOrder(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var amount, filled, remaining, cost string
	var price, average, fee, stopPrice, tpPrice, slPrice *string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, client_id, exchange_id, symbol, side, type, status,
			price::text, amount::text, filled::text, remaining::text, cost::text,
			average::text, fee::text, fee_currency,
			stop_price::text, take_profit_price::text, stop_loss_price::text,
			timestamp
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.ClientID, &o.ExchangeID, &o.Symbol, &o.Side, &o.Type, &o.Status,
		&price, &amount, &filled, &remaining, &cost,
		&average, &fee, &o.FeeCurrency,
		&stopPrice, &tpPrice, &slPrice,
		&o.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: get order %s: %w", id, err)
	}
	o.Price = parseDecPtr(price)
	o.Amount = parseDec(amount)
	o.Filled = parseDec(filled)
	o.Remaining = parseDec(remaining)
	o.Cost = parseDec(cost)
	o.Average = parseDecPtr(average)
	o.Fee = parseDecPtr(fee)
	o.StopPrice = parseDecPtr(stopPrice)
	o.TakeProfitPrice = parseDecPtr(tpPrice)
	o.StopLossPrice = parseDecPtr(slPrice)
	return o, nil
}

// InsertTrades persists fills, ignoring duplicates by fill ID.
func (r *Repository) InsertTrades(ctx context.Context, trades []Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (id, order_id, exchange_id, symbol, side,
				price, amount, cost, fee, fee_currency, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric,
				$9::numeric, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.OrderID, t.ExchangeID, t.Symbol, t.Side,
			decStr(t.Price), decStr(t.Amount), decStr(t.Cost),
			decPtrStr(t.Fee), t.FeeCurrency, t.Timestamp.UTC(),
		)
	}
	res := r.db.Pool.SendBatch(ctx, batch)
	defer res.Close()
	for range trades {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("repository: insert trades: %w", err)
		}
	}
	return nil
}

// ReplaceSyntheticTrades removes placeholder fills for an order before the
// real exchange fills are written. Placeholder IDs end in "_synthetic".
func (r *Repository) ReplaceSyntheticTrades(ctx context.Context, orderID string, real []Trade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin replace synthetic: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM trades WHERE order_id = $1 AND id LIKE '%\_synthetic'`, orderID)
	if err != nil {
		return fmt.Errorf("repository: delete synthetic trades for %s: %w", orderID, err)
	}
	for _, t := range real {
		if strings.HasSuffix(t.ID, "_synthetic") {
			return errors.New("repository: refusing to write synthetic fill as replacement")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO trades (id, order_id, exchange_id, symbol, side,
				price, amount, cost, fee, fee_currency, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric,
				$9::numeric, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.OrderID, t.ExchangeID, t.Symbol, t.Side,
			decStr(t.Price), decStr(t.Amount), decStr(t.Cost),
			decPtrStr(t.Fee), t.FeeCurrency, t.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("repository: insert real fill %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit replace synthetic: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.log.Debug().Str("order_id", orderID).Int64("removed", tag.RowsAffected()).
			Int("real", len(real)).Msg("synthetic fills replaced")
	}
	return nil
}

// GetTradesForOrder returns persisted fills for one order, oldest first.
func (r *Repository) GetTradesForOrder(ctx context.Context, orderID string) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, exchange_id, symbol, side,
			price::text, amount::text, cost::text, fee::text, fee_currency, timestamp
		FROM trades WHERE order_id = $1 ORDER BY timestamp`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: trades for order %s: %w", orderID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTradesSince returns fills for a symbol at or after the given time,
// oldest first. Used by closure reconstruction.
func (r *Repository) GetTradesSince(ctx context.Context, exchangeID int64, symbol string, since time.Time) ([]Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, exchange_id, symbol, side,
			price::text, amount::text, cost::text, fee::text, fee_currency, timestamp
		FROM trades
		WHERE exchange_id = $1 AND symbol = $2 AND timestamp >= $3
		ORDER BY timestamp`,
		exchangeID, symbol, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("repository: trades for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]Trade, error) {
	var out []Trade
	for rows.Next() {
		var t Trade
		var price, amount, cost string
		var fee *string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.ExchangeID, &t.Symbol, &t.Side,
			&price, &amount, &cost, &fee, &t.FeeCurrency, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("repository: scan trade: %w", err)
		}
		t.Price = parseDec(price)
		t.Amount = parseDec(amount)
		t.Cost = parseDec(cost)
		t.Fee = parseDecPtr(fee)
		out = append(out, t)
	}
	return out, rows.Err()
}
