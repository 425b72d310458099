package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// Migrate creates the device mirror and readings tables if they are missing.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id BIGINT PRIMARY KEY,
		device_id TEXT NOT NULL UNIQUE,
		connection_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'inactive',
		instruction SMALLINT NOT NULL DEFAULT 1,
		account_address TEXT NOT NULL,
		token_balance BIGINT NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS devices_account_address_idx ON devices (account_address)`,
	`CREATE TABLE IF NOT EXISTS power_consumption (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices (id),
		voltage DOUBLE PRECISION NOT NULL,
		current DOUBLE PRECISION NOT NULL,
		power DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS power_consumption_device_ts_idx ON power_consumption (device_id, timestamp DESC)`,
}
