package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureAccountSettings writes the baseline capital row once per exchange.
// An existing row wins; the configured value only seeds the first run.
func (r *Repository) EnsureAccountSettings(ctx context.Context, exchangeID int64, initialCapital string) (*AccountSettings, error) {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO account_settings (exchange_id, initial_capital)
		VALUES ($1, $2::numeric)
		ON CONFLICT (exchange_id) DO NOTHING`,
		exchangeID, initialCapital)
	if err != nil {
		return nil, fmt.Errorf("repository: ensure account settings: %w", err)
	}
	return r.GetAccountSettings(ctx, exchangeID)
}

// GetAccountSettings loads the baseline row.
func (r *Repository) GetAccountSettings(ctx context.Context, exchangeID int64) (*AccountSettings, error) {
	s := &AccountSettings{}
	var capital string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT exchange_id, initial_capital::text, capital_currency, set_at, notes
		FROM account_settings WHERE exchange_id = $1`, exchangeID,
	).Scan(&s.ExchangeID, &capital, &s.CapitalCurrency, &s.SetAt, &s.Notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: get account settings: %w", err)
	}
	s.InitialCapital = parseDec(capital)
	return s, nil
}
