package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SaveLatestSnapshot overwrites the single mutable latest row per exchange.
func (r *Repository) SaveLatestSnapshot(ctx context.Context, s *PortfolioSnapshot) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO portfolio_snapshots (
			exchange_id, wallet_balance, available_balance, margin_balance,
			unrealized_pnl, positions, snapshot_date, timestamp, is_archive, position_count
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric,
			$5::numeric, $6, $7, $8, FALSE, $9)
		ON CONFLICT (exchange_id) WHERE NOT is_archive DO UPDATE SET
			wallet_balance = EXCLUDED.wallet_balance,
			available_balance = EXCLUDED.available_balance,
			margin_balance = EXCLUDED.margin_balance,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			positions = EXCLUDED.positions,
			snapshot_date = EXCLUDED.snapshot_date,
			timestamp = EXCLUDED.timestamp,
			position_count = EXCLUDED.position_count`,
		s.ExchangeID, decStr(s.WalletBalance), decStr(s.AvailableBalance),
		decStr(s.MarginBalance), decStr(s.UnrealizedPnL), s.Positions,
		s.Timestamp.UTC().Truncate(24*time.Hour), s.Timestamp.UTC(), s.PositionCount,
	)
	if err != nil {
		return fmt.Errorf("repository: save latest snapshot: %w", err)
	}
	return nil
}

// ArchiveSnapshot appends an immutable snapshot with a reason.
func (r *Repository) ArchiveSnapshot(ctx context.Context, s *PortfolioSnapshot, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO portfolio_snapshots (
			exchange_id, wallet_balance, available_balance, margin_balance,
			unrealized_pnl, positions, snapshot_date, timestamp, is_archive,
			archive_reason, position_count
		) VALUES ($1, $2::numeric, $3::numeric, $4::numeric,
			$5::numeric, $6, $7, $8, TRUE, $9, $10)`,
		s.ExchangeID, decStr(s.WalletBalance), decStr(s.AvailableBalance),
		decStr(s.MarginBalance), decStr(s.UnrealizedPnL), s.Positions,
		s.Timestamp.UTC().Truncate(24*time.Hour), s.Timestamp.UTC(),
		reason, s.PositionCount,
	)
	if err != nil {
		return fmt.Errorf("repository: archive snapshot (%s): %w", reason, err)
	}
	return nil
}

// GetLatestSnapshot loads the mutable latest row; ErrNotFound before the
// first sync completes.
func (r *Repository) GetLatestSnapshot(ctx context.Context, exchangeID int64) (*PortfolioSnapshot, error) {
	s := &PortfolioSnapshot{}
	var wallet, avail, margin, upnl string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, exchange_id, wallet_balance::text, available_balance::text,
			margin_balance::text, unrealized_pnl::text, positions,
			snapshot_date, timestamp, is_archive, archive_reason, position_count
		FROM portfolio_snapshots
		WHERE exchange_id = $1 AND NOT is_archive`, exchangeID,
	).Scan(&s.ID, &s.ExchangeID, &wallet, &avail, &margin, &upnl, &s.Positions,
		&s.SnapshotDate, &s.Timestamp, &s.IsArchive, &s.ArchiveReason, &s.PositionCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repository: latest snapshot: %w", err)
	}
	s.WalletBalance = parseDec(wallet)
	s.AvailableBalance = parseDec(avail)
	s.MarginBalance = parseDec(margin)
	s.UnrealizedPnL = parseDec(upnl)
	return s, nil
}

// LastArchiveTime returns the timestamp of the most recent archive row, or
// zero time if none exist. Drives the hourly archive cadence.
func (r *Repository) LastArchiveTime(ctx context.Context, exchangeID int64) (time.Time, error) {
	var ts *time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MAX(timestamp) FROM portfolio_snapshots
		WHERE exchange_id = $1 AND is_archive`, exchangeID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: last archive time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// HasInitialArchive reports whether the one-time initial archive exists.
func (r *Repository) HasInitialArchive(ctx context.Context, exchangeID int64) (bool, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM portfolio_snapshots
		WHERE exchange_id = $1 AND is_archive AND archive_reason = 'initial'`,
		exchangeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("repository: check initial archive: %w", err)
	}
	return n > 0, nil
}
