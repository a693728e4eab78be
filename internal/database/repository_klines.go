package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertKlines writes candles, refreshing the still-forming last bar on
// conflict.
func (r *Repository) UpsertKlines(ctx context.Context, klines []Kline) error {
	if len(klines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, k := range klines {
		batch.Queue(`
			INSERT INTO klines (exchange_id, symbol, timeframe, timestamp,
				open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric,
				$8::numeric, $9::numeric)
			ON CONFLICT (exchange_id, symbol, timeframe, timestamp) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume`,
			k.ExchangeID, k.Symbol, k.Timeframe, k.Timestamp.UTC(),
			decStr(k.Open), decStr(k.High), decStr(k.Low), decStr(k.Close),
			decStr(k.Volume),
		)
	}
	res := r.db.Pool.SendBatch(ctx, batch)
	defer res.Close()
	for range klines {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("repository: upsert klines: %w", err)
		}
	}
	return nil
}

// GetKlines returns the most recent candles oldest-first, suitable for
// indicator computation.
func (r *Repository) GetKlines(ctx context.Context, exchangeID int64, symbol, timeframe string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT exchange_id, symbol, timeframe, timestamp,
			open::text, high::text, low::text, close::text, volume::text
		FROM (
			SELECT * FROM klines
			WHERE exchange_id = $1 AND symbol = $2 AND timeframe = $3
			ORDER BY timestamp DESC LIMIT $4
		) recent
		ORDER BY timestamp`, exchangeID, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: get klines %s %s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []Kline
	for rows.Next() {
		var k Kline
		var open, high, low, cls, volume string
		if err := rows.Scan(&k.ExchangeID, &k.Symbol, &k.Timeframe, &k.Timestamp,
			&open, &high, &low, &cls, &volume); err != nil {
			return nil, fmt.Errorf("repository: scan kline: %w", err)
		}
		k.Open = parseDec(open)
		k.High = parseDec(high)
		k.Low = parseDec(low)
		k.Close = parseDec(cls)
		k.Volume = parseDec(volume)
		out = append(out, k)
	}
	return out, rows.Err()
}

// LatestKlineTime returns the newest stored bar time for incremental polling,
// or zero time when the series is empty.
func (r *Repository) LatestKlineTime(ctx context.Context, exchangeID int64, symbol, timeframe string) (time.Time, error) {
	var ts *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MAX(timestamp) FROM klines
		WHERE exchange_id = $1 AND symbol = $2 AND timeframe = $3`,
		exchangeID, symbol, timeframe,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: latest kline time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
