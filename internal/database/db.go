// Package database provides the PostgreSQL-backed Store implementation.
// Schema migrations are idempotent and run at open.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"recommendation-engine/config"
)

// DB wraps the PostgreSQL connection pool and implements store.Store.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool and runs migrations.
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Printf("[DB] Connected to PostgreSQL database: %s", cfg.Database)
	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("no database pool configured")
	}
	return db.Pool.Ping(ctx)
}

// RunMigrations executes the idempotent schema migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recommendations (
			id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8),
			leverage DECIMAL(10, 4) NOT NULL DEFAULT 1,
			position_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss_price DECIMAL(20, 8),
			take_profit_price DECIMAL(20, 8),
			trailing_override JSONB,
			atr_value DECIMAL(20, 8),
			atr_period INTEGER,
			atr_sl_multiplier DECIMAL(10, 4),
			atr_tp_multiplier DECIMAL(10, 4),
			tp1_price DECIMAL(20, 8),
			tp2_price DECIMAL(20, 8),
			tp3_price DECIMAL(20, 8),
			tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp2_hit BOOLEAN NOT NULL DEFAULT FALSE,
			tp3_hit BOOLEAN NOT NULL DEFAULT FALSE,
			reduction_count INTEGER NOT NULL DEFAULT 0,
			reduction_ratio DECIMAL(10, 6) NOT NULL DEFAULT 0,
			expected_return DECIMAL(20, 8),
			ev DECIMAL(20, 8),
			ev_threshold DECIMAL(20, 8),
			ev_ok BOOLEAN,
			status VARCHAR(10) NOT NULL DEFAULT 'ACTIVE',
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMPTZ,
			exit_reason VARCHAR(20),
			exit_label TEXT,
			pnl_percent DECIMAL(12, 6),
			pnl_amount DECIMAL(20, 8),
			close_pending BOOLEAN NOT NULL DEFAULT FALSE,
			manual_close_requested BOOLEAN NOT NULL DEFAULT FALSE,
			manual_close_label TEXT,
			source VARCHAR(32),
			strategy_type VARCHAR(64),
			ab_group VARCHAR(32),
			experiment_id VARCHAR(64),
			dedupe_key VARCHAR(128),
			mtf JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol ON recommendations(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_created_at ON recommendations(created_at)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			event_type VARCHAR(10) NOT NULL,
			recommendation_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			intended_price DECIMAL(20, 8),
			intended_timestamp TIMESTAMPTZ,
			fill_price DECIMAL(20, 8),
			fill_timestamp TIMESTAMPTZ,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			slippage_bps DECIMAL(12, 4) NOT NULL DEFAULT 0,
			fee_bps DECIMAL(12, 4) NOT NULL DEFAULT 0,
			fee_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_percent DECIMAL(12, 6) NOT NULL DEFAULT 0,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_recommendation ON executions(recommendation_id)`,

		`CREATE TABLE IF NOT EXISTS monitoring_samples (
			id VARCHAR(64) PRIMARY KEY,
			recommendation_id VARCHAR(64) NOT NULL,
			check_time TIMESTAMPTZ NOT NULL,
			current_price DECIMAL(20, 8),
			extra JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_samples_recommendation ON monitoring_samples(recommendation_id)`,

		`CREATE TABLE IF NOT EXISTS decision_chains (
			chain_id VARCHAR(128) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			source VARCHAR(32),
			final_decision VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			final_reason TEXT,
			recommendation_id VARCHAR(64),
			execution_id VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_chains_symbol ON decision_chains(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_chains_decision ON decision_chains(final_decision)`,

		`CREATE TABLE IF NOT EXISTS decision_steps (
			id BIGSERIAL PRIMARY KEY,
			chain_id VARCHAR(128) NOT NULL REFERENCES decision_chains(chain_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			stage VARCHAR(32) NOT NULL,
			decision VARCHAR(10) NOT NULL,
			reason TEXT,
			details JSONB,
			step_timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (chain_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_steps_chain ON decision_steps(chain_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}
