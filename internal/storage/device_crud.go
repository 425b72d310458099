package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/jackc/pgx/v5"
)

const deviceColumns = `id, device_id, connection_type, status, instruction, account_address, token_balance, updated_at`

// PostgresDeviceStore implements DeviceStore on the devices table.
type PostgresDeviceStore struct {
	client *PostgresClient
}

func NewPostgresDeviceStore(client *PostgresClient) *PostgresDeviceStore {
	return &PostgresDeviceStore{client: client}
}

func scanDevice(row pgx.Row) (*types.Device, error) {
	var d types.Device
	var connType, status string
	var instruction int16

	err := row.Scan(&d.ID, &d.DeviceID, &connType, &status, &instruction,
		&d.AccountAddress, &d.TokenBalance, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	d.ConnectionType = types.ConnectionType(connType)
	d.Status = types.DeviceStatus(status)
	d.Instruction = types.Instruction(instruction)
	return &d, nil
}

func (s *PostgresDeviceStore) FindByID(ctx context.Context, id int64) (*types.Device, error) {
	d, err := scanDevice(s.client.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load device %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresDeviceStore) FindByDeviceID(ctx context.Context, deviceID string) (*types.Device, error) {
	d, err := scanDevice(s.client.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID))
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}
	return d, nil
}

func (s *PostgresDeviceStore) FindByAccount(ctx context.Context, address string) (*types.Device, error) {
	d, err := scanDevice(s.client.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE account_address = $1 LIMIT 1`,
		types.NormalizeAddress(address)))
	if err != nil {
		return nil, fmt.Errorf("failed to load device for account %s: %w", address, err)
	}
	return d, nil
}

func (s *PostgresDeviceStore) List(ctx context.Context) ([]types.Device, error) {
	rows, err := s.client.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}

	return devices, rows.Err()
}

func (s *PostgresDeviceStore) Sync(ctx context.Context, d types.Device, balanceKnown bool) error {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (id, device_id, connection_type, status, instruction, account_address, token_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			device_id = EXCLUDED.device_id,
			connection_type = EXCLUDED.connection_type,
			account_address = EXCLUDED.account_address,
			token_balance = CASE WHEN $8 THEN EXCLUDED.token_balance ELSE devices.token_balance END,
			updated_at = NOW()
	`, d.ID, d.DeviceID, string(d.ConnectionType), string(d.Status), int16(d.Instruction),
		types.NormalizeAddress(d.AccountAddress), d.TokenBalance, balanceKnown)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.DeviceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *PostgresDeviceStore) SetStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error {
	return s.exec(ctx, "status", `
		UPDATE devices SET status = $2, updated_at = NOW() WHERE device_id = $1
	`, deviceID, string(status))
}

func (s *PostgresDeviceStore) SetAllInactive(ctx context.Context) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE devices SET status = $1, updated_at = NOW() WHERE status <> $1
	`, string(types.StatusInactive))
	if err != nil {
		return fmt.Errorf("failed to deactivate devices: %w", err)
	}
	return nil
}

func (s *PostgresDeviceStore) ResetAll(ctx context.Context) error {
	_, err := s.client.pool.Exec(ctx, `
		UPDATE devices SET status = $1, instruction = $2, updated_at = NOW()
	`, string(types.StatusInactive), int16(types.InstructionPersist))
	if err != nil {
		return fmt.Errorf("failed to reset devices: %w", err)
	}
	return nil
}

func (s *PostgresDeviceStore) SetInstruction(ctx context.Context, id int64, instruction types.Instruction) error {
	return s.exec(ctx, "instruction", `
		UPDATE devices SET instruction = $2, updated_at = NOW() WHERE id = $1
	`, id, int16(instruction))
}

func (s *PostgresDeviceStore) SetBalance(ctx context.Context, id int64, balance int64) error {
	if balance < 0 {
		balance = 0
	}
	return s.exec(ctx, "balance", `
		UPDATE devices SET token_balance = $2, updated_at = NOW() WHERE id = $1
	`, id, balance)
}

func (s *PostgresDeviceStore) exec(ctx context.Context, field, sql string, key any, value any) error {
	result, err := s.client.pool.Exec(ctx, sql, key, value)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", field, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("failed to update device %s for %v: %w", field, key, ErrNotFound)
	}
	return nil
}

// PostgresReadingStore writes readings into power_consumption.
type PostgresReadingStore struct {
	client *PostgresClient
}

func NewPostgresReadingStore(client *PostgresClient) *PostgresReadingStore {
	return &PostgresReadingStore{client: client}
}

func (s *PostgresReadingStore) InsertReading(ctx context.Context, r types.PowerReading) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO power_consumption (device_id, voltage, current, power, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, r.DeviceID, r.Voltage, r.Current, r.Power, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

func (s *PostgresReadingStore) LatestReading(ctx context.Context, deviceID int64) (*types.PowerReading, error) {
	var r types.PowerReading
	err := s.client.pool.QueryRow(ctx, `
		SELECT device_id, voltage, current, power, timestamp
		FROM power_consumption
		WHERE device_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, deviceID).Scan(&r.DeviceID, &r.Voltage, &r.Current, &r.Power, &r.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load latest reading: %w", err)
	}
	return &r, nil
}
