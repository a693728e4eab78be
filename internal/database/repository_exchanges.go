package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetOrCreateExchange resolves the venue row by name, inserting it on first
// startup. The returned ID keys every other table.
func (r *Repository) GetOrCreateExchange(ctx context.Context, name string, testnet bool) (*Exchange, error) {
	ex := &Exchange{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, testnet FROM exchanges WHERE name = $1`,
		name,
	).Scan(&ex.ID, &ex.Name, &ex.TestNet)
	if err == nil {
		return ex, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository: get exchange %s: %w", name, err)
	}

	err = r.db.Pool.QueryRow(ctx,
		`INSERT INTO exchanges (name, testnet) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET testnet = EXCLUDED.testnet
		 RETURNING id, name, testnet`,
		name, testnet,
	).Scan(&ex.ID, &ex.Name, &ex.TestNet)
	if err != nil {
		return nil, fmt.Errorf("repository: create exchange %s: %w", name, err)
	}
	r.log.Info().Str("exchange", name).Int64("id", ex.ID).Bool("testnet", testnet).
		Msg("exchange registered")
	return ex, nil
}
