package database

import (
	"context"
	"fmt"
	"time"
)

// InsertClosedPosition appends one row to the closure ledger.
func (r *Repository) InsertClosedPosition(ctx context.Context, cp *ClosedPosition) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO closed_positions (
			exchange_id, symbol, side, entry_order_id, entry_price, entry_time,
			exit_order_id, exit_price, exit_time, amount, entry_value, exit_value,
			realized_pnl, realized_pnl_pct, total_fee, fee_currency,
			close_reason, holding_duration_seconds, leverage
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7, $8::numeric, $9, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15::numeric, $16,
			$17, $18, $19
		) RETURNING id, created_at`,
		cp.ExchangeID, cp.Symbol, cp.Side, cp.EntryOrderID,
		decStr(cp.EntryPrice), cp.EntryTime.UTC(),
		cp.ExitOrderID, decStr(cp.ExitPrice), cp.ExitTime.UTC(),
		decStr(cp.Amount), decStr(cp.EntryValue), decStr(cp.ExitValue),
		decStr(cp.RealizedPnL), decStr(cp.RealizedPnLPct),
		decStr(cp.TotalFee), cp.FeeCurrency,
		cp.CloseReason, cp.HoldingDurationSeconds, cp.Leverage,
	).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: insert closed position %s: %w", cp.Symbol, err)
	}
	return nil
}

// CloseWithLedger atomically writes the closure ledger row and applies the
// matching change to the live position: full close marks the row closed,
// partial close shrinks amount and pro-rates the remaining entry fee.
func (r *Repository) CloseWithLedger(ctx context.Context, cp *ClosedPosition, positionID int64, remainingAmount, remainingFee *string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin close ledger: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO closed_positions (
			exchange_id, symbol, side, entry_order_id, entry_price, entry_time,
			exit_order_id, exit_price, exit_time, amount, entry_value, exit_value,
			realized_pnl, realized_pnl_pct, total_fee, fee_currency,
			close_reason, holding_duration_seconds, leverage
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7, $8::numeric, $9, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15::numeric, $16,
			$17, $18, $19
		) RETURNING id, created_at`,
		cp.ExchangeID, cp.Symbol, cp.Side, cp.EntryOrderID,
		decStr(cp.EntryPrice), cp.EntryTime.UTC(),
		cp.ExitOrderID, decStr(cp.ExitPrice), cp.ExitTime.UTC(),
		decStr(cp.Amount), decStr(cp.EntryValue), decStr(cp.ExitValue),
		decStr(cp.RealizedPnL), decStr(cp.RealizedPnLPct),
		decStr(cp.TotalFee), cp.FeeCurrency,
		cp.CloseReason, cp.HoldingDurationSeconds, cp.Leverage,
	).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: ledger insert %s: %w", cp.Symbol, err)
	}

	if remainingAmount == nil {
		_, err = tx.Exec(ctx,
			`UPDATE positions SET is_open = FALSE, updated_at = CURRENT_TIMESTAMP
			 WHERE id = $1 AND is_open`, positionID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE positions SET
				amount = $2::numeric,
				value = $2::numeric * current_price,
				entry_fee = $3::numeric,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = $1 AND is_open`,
			positionID, *remainingAmount, remainingFee)
	}
	if err != nil {
		return fmt.Errorf("repository: apply closure to position %d: %w", positionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit close ledger: %w", err)
	}
	return nil
}

// ListClosedPositions returns recent ledger rows, newest first.
func (r *Repository) ListClosedPositions(ctx context.Context, exchangeID int64, limit int) ([]ClosedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, exchange_id, symbol, side, entry_order_id,
			entry_price::text, entry_time, exit_order_id, exit_price::text, exit_time,
			amount::text, entry_value::text, exit_value::text,
			realized_pnl::text, realized_pnl_pct::text, total_fee::text, fee_currency,
			close_reason, holding_duration_seconds, leverage, created_at
		FROM closed_positions
		WHERE exchange_id = $1
		ORDER BY exit_time DESC
		LIMIT $2`, exchangeID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list closed positions: %w", err)
	}
	defer rows.Close()

	var out []ClosedPosition
	for rows.Next() {
		var cp ClosedPosition
		var entryPrice, exitPrice, amount, entryValue, exitValue, pnl, pnlPct, fee string
		if err := rows.Scan(&cp.ID, &cp.ExchangeID, &cp.Symbol, &cp.Side, &cp.EntryOrderID,
			&entryPrice, &cp.EntryTime, &cp.ExitOrderID, &exitPrice, &cp.ExitTime,
			&amount, &entryValue, &exitValue,
			&pnl, &pnlPct, &fee, &cp.FeeCurrency,
			&cp.CloseReason, &cp.HoldingDurationSeconds, &cp.Leverage, &cp.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan closed position: %w", err)
		}
		cp.EntryPrice = parseDec(entryPrice)
		cp.ExitPrice = parseDec(exitPrice)
		cp.Amount = parseDec(amount)
		cp.EntryValue = parseDec(entryValue)
		cp.ExitValue = parseDec(exitValue)
		cp.RealizedPnL = parseDec(pnl)
		cp.RealizedPnLPct = parseDec(pnlPct)
		cp.TotalFee = parseDec(fee)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DailyRealizedPnL sums ledger PnL for closures since the given UTC day
// start. The risk manager uses this for the daily circuit breaker.
func (r *Repository) DailyRealizedPnL(ctx context.Context, exchangeID int64, dayStart time.Time) (string, error) {
	var sum string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)::text
		FROM closed_positions
		WHERE exchange_id = $1 AND exit_time >= $2`,
		exchangeID, dayStart.UTC(),
	).Scan(&sum)
	if err != nil {
		return "0", fmt.Errorf("repository: daily realized pnl: %w", err)
	}
	return sum, nil
}
