package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/types"
	"go.uber.org/zap"
)

// ClickHouseReadingStore keeps power readings in a MergeTree table.
type ClickHouseReadingStore struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

func NewClickHouseReadingStore(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseReadingStore, error) {
	logger = logger.Named("clickhouse")
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	v, err := conn.ServerVersion()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach clickhouse: %w", err)
	}
	logger.Info("Connected to ClickHouse",
		zap.String("version", v.Version.String()),
		zap.Uint64("revision", v.Revision))

	return &ClickHouseReadingStore{conn: conn, logger: logger}, nil
}

func (s *ClickHouseReadingStore) Migrate(ctx context.Context) error {
	if err := s.conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS power_readings (
	DeviceID Int64,
	Voltage Float64,
	Current Float64,
	Power Float64,
	Timestamp DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PRIMARY KEY (DeviceID, Timestamp)
`); err != nil {
		return fmt.Errorf("failed to create power_readings: %w", err)
	}
	return nil
}

func (s *ClickHouseReadingStore) InsertReading(ctx context.Context, r types.PowerReading) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO power_readings")
	if err != nil {
		return fmt.Errorf("failed to prepare reading batch: %w", err)
	}
	if err := batch.Append(r.DeviceID, r.Voltage, r.Current, r.Power, r.Timestamp); err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send reading batch: %w", err)
	}
	return nil
}

func (s *ClickHouseReadingStore) LatestReading(ctx context.Context, deviceID int64) (*types.PowerReading, error) {
	var r types.PowerReading
	err := s.conn.QueryRow(ctx, `
SELECT DeviceID, Voltage, Current, Power, Timestamp
FROM power_readings
WHERE DeviceID = ?
ORDER BY Timestamp DESC
LIMIT 1
`, deviceID).Scan(&r.DeviceID, &r.Voltage, &r.Current, &r.Power, &r.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load latest reading: %w", err)
	}
	return &r, nil
}

func (s *ClickHouseReadingStore) Close() error {
	return s.conn.Close()
}
