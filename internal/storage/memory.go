package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/EstateHub/internal/types"
)

// MemoryStore is an in-process DeviceStore and ReadingStore, used by
// database.driver "memory" and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[int64]types.Device
	readings map[int64][]types.PowerReading
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[int64]types.Device),
		readings: make(map[int64][]types.PowerReading),
	}
}

func (m *MemoryStore) FindByID(ctx context.Context, id int64) (*types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("failed to load device %d: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (m *MemoryStore) FindByDeviceID(ctx context.Context, deviceID string) (*types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.devices {
		if d.DeviceID == deviceID {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("failed to load device %s: %w", deviceID, ErrNotFound)
}

func (m *MemoryStore) FindByAccount(ctx context.Context, address string) (*types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	normalized := types.NormalizeAddress(address)
	for _, d := range m.sortedLocked() {
		if d.AccountAddress == normalized {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("failed to load device for account %s: %w", address, ErrNotFound)
}

func (m *MemoryStore) List(ctx context.Context) ([]types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(), nil
}

func (m *MemoryStore) sortedLocked() []types.Device {
	devices := make([]types.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

func (m *MemoryStore) Sync(ctx context.Context, d types.Device, balanceKnown bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.AccountAddress = types.NormalizeAddress(d.AccountAddress)
	if existing, ok := m.devices[d.ID]; ok {
		d.Status = existing.Status
		d.Instruction = existing.Instruction
		if !balanceKnown {
			d.TokenBalance = existing.TokenBalance
		}
	}
	d.UpdatedAt = time.Now().UTC()
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, deviceID string, status types.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.devices {
		if d.DeviceID == deviceID {
			d.Status = status
			d.UpdatedAt = time.Now().UTC()
			m.devices[id] = d
			return nil
		}
	}
	return fmt.Errorf("failed to update device status for %s: %w", deviceID, ErrNotFound)
}

func (m *MemoryStore) SetAllInactive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.devices {
		d.Status = types.StatusInactive
		m.devices[id] = d
	}
	return nil
}

func (m *MemoryStore) ResetAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.devices {
		d.Status = types.StatusInactive
		d.Instruction = types.InstructionPersist
		m.devices[id] = d
	}
	return nil
}

func (m *MemoryStore) SetInstruction(ctx context.Context, id int64, instruction types.Instruction) error {
	return m.update(id, "instruction", func(d *types.Device) { d.Instruction = instruction })
}

func (m *MemoryStore) SetBalance(ctx context.Context, id int64, balance int64) error {
	if balance < 0 {
		balance = 0
	}
	return m.update(id, "balance", func(d *types.Device) { d.TokenBalance = balance })
}

func (m *MemoryStore) update(id int64, field string, fn func(d *types.Device)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("failed to update device %s for %d: %w", field, id, ErrNotFound)
	}
	fn(&d)
	d.UpdatedAt = time.Now().UTC()
	m.devices[id] = d
	return nil
}

func (m *MemoryStore) InsertReading(ctx context.Context, r types.PowerReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[r.DeviceID] = append(m.readings[r.DeviceID], r)
	return nil
}

func (m *MemoryStore) LatestReading(ctx context.Context, deviceID int64) (*types.PowerReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs := m.readings[deviceID]
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	r := rs[len(rs)-1]
	return &r, nil
}

// Readings returns a copy of every reading stored for a device.
func (m *MemoryStore) Readings(deviceID int64) []types.PowerReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.PowerReading(nil), m.readings[deviceID]...)
}
