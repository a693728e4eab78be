package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"futures-trading-engine/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB connects using a DATABASE_URL-style DSN.
func NewDB(ctx context.Context, url string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &DB{Pool: pool, log: logging.Component("database")}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema. Statements are idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id SERIAL PRIMARY KEY,
			name VARCHAR(50) NOT NULL UNIQUE,
			testnet BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			client_id VARCHAR(64),
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy','sell')),
			type VARCHAR(24) NOT NULL CHECK (type IN
				('market','limit','stop_loss','stop_loss_limit','take_profit','take_profit_limit')),
			status VARCHAR(20) NOT NULL CHECK (status IN
				('pending','open','partially_filled','filled','canceled','rejected','expired')),
			price DECIMAL(30, 12),
			amount DECIMAL(30, 12) NOT NULL,
			filled DECIMAL(30, 12) NOT NULL DEFAULT 0,
			remaining DECIMAL(30, 12) NOT NULL DEFAULT 0,
			cost DECIMAL(30, 12) NOT NULL DEFAULT 0,
			average DECIMAL(30, 12),
			fee DECIMAL(30, 12),
			fee_currency VARCHAR(12),
			stop_price DECIMAL(30, 12),
			take_profit_price DECIMAL(30, 12),
			stop_loss_price DECIMAL(30, 12),
			timestamp TIMESTAMP NOT NULL,
			raw_blob JSONB,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_timestamp ON orders(timestamp)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id VARCHAR(80) PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy','sell')),
			price DECIMAL(30, 12) NOT NULL,
			amount DECIMAL(30, 12) NOT NULL,
			cost DECIMAL(30, 12) NOT NULL,
			fee DECIMAL(30, 12),
			fee_currency VARCHAR(12),
			timestamp TIMESTAMP NOT NULL,
			raw JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades(symbol, timestamp)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy','sell')),
			amount DECIMAL(30, 12) NOT NULL CHECK (amount > 0),
			entry_price DECIMAL(30, 12) NOT NULL,
			current_price DECIMAL(30, 12) NOT NULL,
			value DECIMAL(30, 12) NOT NULL,
			unrealized_pnl DECIMAL(30, 12) NOT NULL DEFAULT 0,
			unrealized_pnl_pct DECIMAL(18, 8) NOT NULL DEFAULT 0,
			stop_loss DECIMAL(30, 12),
			take_profit DECIMAL(30, 12),
			leverage INTEGER,
			liquidation_price DECIMAL(30, 12),
			entry_fee DECIMAL(30, 12) NOT NULL DEFAULT 0,
			entry_order_id VARCHAR(64),
			opened_at TIMESTAMP NOT NULL,
			is_open BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open
			ON positions(exchange_id, symbol, side) WHERE is_open`,

		`CREATE TABLE IF NOT EXISTS closed_positions (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(4) NOT NULL CHECK (side IN ('buy','sell')),
			entry_order_id VARCHAR(64),
			entry_price DECIMAL(30, 12) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_order_id VARCHAR(64),
			exit_price DECIMAL(30, 12) NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			amount DECIMAL(30, 12) NOT NULL,
			entry_value DECIMAL(30, 12) NOT NULL,
			exit_value DECIMAL(30, 12) NOT NULL,
			realized_pnl DECIMAL(30, 12) NOT NULL,
			realized_pnl_pct DECIMAL(18, 8) NOT NULL,
			total_fee DECIMAL(30, 12) NOT NULL DEFAULT 0,
			fee_currency VARCHAR(12) NOT NULL DEFAULT 'USDT',
			close_reason VARCHAR(16) NOT NULL CHECK (close_reason IN
				('manual','stop_loss','take_profit','liquidation','system','unknown')),
			holding_duration_seconds BIGINT NOT NULL DEFAULT 0,
			leverage INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_symbol ON closed_positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_exit_time ON closed_positions(exit_time)`,

		`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			wallet_balance DECIMAL(30, 12) NOT NULL,
			available_balance DECIMAL(30, 12) NOT NULL,
			margin_balance DECIMAL(30, 12) NOT NULL DEFAULT 0,
			unrealized_pnl DECIMAL(30, 12) NOT NULL DEFAULT 0,
			positions JSONB NOT NULL DEFAULT '[]',
			snapshot_date DATE NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			is_archive BOOLEAN NOT NULL DEFAULT FALSE,
			archive_reason VARCHAR(20) CHECK (archive_reason IN ('initial','hourly','position_change')),
			position_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_portfolio_snapshots_latest
			ON portfolio_snapshots(exchange_id) WHERE NOT is_archive`,
		`CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots_time ON portfolio_snapshots(timestamp)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id SERIAL PRIMARY KEY,
			decision_layer VARCHAR(12) NOT NULL CHECK (decision_layer IN ('strategic','tactical')),
			input_context JSONB,
			thought_process TEXT,
			tools_used TEXT[],
			decision TEXT NOT NULL,
			action_taken TEXT,
			model_used VARCHAR(64) NOT NULL,
			tokens_used INTEGER,
			latency_ms BIGINT,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_layer_time ON decisions(decision_layer, timestamp)`,

		`CREATE TABLE IF NOT EXISTS klines (
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(4) NOT NULL CHECK (timeframe IN
				('1m','3m','5m','15m','30m','1h','2h','4h','6h','12h','1d','3d','1w')),
			timestamp TIMESTAMP NOT NULL,
			open DECIMAL(30, 12) NOT NULL,
			high DECIMAL(30, 12) NOT NULL,
			low DECIMAL(30, 12) NOT NULL,
			close DECIMAL(30, 12) NOT NULL,
			volume DECIMAL(38, 12) NOT NULL,
			PRIMARY KEY (exchange_id, symbol, timeframe, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS account_settings (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER NOT NULL UNIQUE REFERENCES exchanges(id),
			initial_capital DECIMAL(30, 12) NOT NULL,
			capital_currency VARCHAR(12) NOT NULL DEFAULT 'USDT',
			set_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			notes TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS system_events (
			id SERIAL PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			source VARCHAR(100),
			message TEXT,
			data JSONB,
			severity VARCHAR(10) NOT NULL DEFAULT 'info' CHECK (severity IN ('info','warning','error')),
			timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_time ON system_events(timestamp)`,

		// Adjacent entities kept for the memory/strategy subsystems that feed
		// the strategist; the engine only appends to them opportunistically.
		`CREATE TABLE IF NOT EXISTS experiences (
			id SERIAL PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			content JSONB NOT NULL,
			outcome VARCHAR(16) CHECK (outcome IN ('win','loss','neutral')),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			params JSONB NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id SERIAL PRIMARY KEY,
			exchange_id INTEGER REFERENCES exchanges(id),
			metric VARCHAR(50) NOT NULL,
			value DECIMAL(30, 12) NOT NULL,
			period_start TIMESTAMP,
			period_end TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("database: migration %d failed: %w", i+1, err)
		}
	}
	db.log.Info().Int("statements", len(migrations)).Msg("migrations completed")
	return nil
}
