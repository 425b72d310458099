package storage

import (
	"context"
	"errors"

	"github.com/KevinKickass/EstateHub/internal/types"
)

var ErrNotFound = errors.New("not found")

// DeviceStore is the hub's local mirror of the registry device roster.
type DeviceStore interface {
	FindByID(ctx context.Context, id int64) (*types.Device, error)
	FindByDeviceID(ctx context.Context, deviceID string) (*types.Device, error)
	FindByAccount(ctx context.Context, address string) (*types.Device, error)
	List(ctx context.Context) ([]types.Device, error)

	// Sync upserts a roster record. Status and instruction are only written
	// for new records. When balanceKnown is false an existing balance is kept.
	Sync(ctx context.Context, device types.Device, balanceKnown bool) error

	SetStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error
	SetAllInactive(ctx context.Context) error
	// ResetAll marks every device inactive with the persist instruction.
	ResetAll(ctx context.Context) error
	SetInstruction(ctx context.Context, id int64, instruction types.Instruction) error
	SetBalance(ctx context.Context, id int64, balance int64) error
}

// ReadingStore persists power readings keyed by device id.
type ReadingStore interface {
	InsertReading(ctx context.Context, reading types.PowerReading) error
	LatestReading(ctx context.Context, deviceID int64) (*types.PowerReading, error)
}
