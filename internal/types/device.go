package types

import (
	"fmt"
	"strings"
	"time"
)

type ConnectionType string

const (
	ConnectionProducer ConnectionType = "Producer"
	ConnectionConsumer ConnectionType = "Consumer"
)

type DeviceStatus string

const (
	StatusActive   DeviceStatus = "active"
	StatusInactive DeviceStatus = "inactive"
)

// Instruction is the code sent to a device after its balance: "<balance>,<instruction>".
type Instruction int

const (
	InstructionIdle         Instruction = 0
	InstructionPersist      Instruction = 1
	InstructionToggle       Instruction = 2
	InstructionForceBalance Instruction = 3
)

func (i Instruction) String() string {
	switch i {
	case InstructionIdle:
		return "idle"
	case InstructionPersist:
		return "persist"
	case InstructionToggle:
		return "toggle"
	case InstructionForceBalance:
		return "force_balance"
	default:
		return fmt.Sprintf("instruction(%d)", int(i))
	}
}

// Device is the hub's local mirror of a registry device record.
type Device struct {
	ID             int64          `json:"id"`
	DeviceID       string         `json:"device_id"`
	ConnectionType ConnectionType `json:"connection_type"`
	Status         DeviceStatus   `json:"status"`
	Instruction    Instruction    `json:"instruction"`
	AccountAddress string         `json:"account_address"`
	TokenBalance   int64          `json:"token_balance"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (d *Device) IsConsumer() bool {
	return d.ConnectionType == ConnectionConsumer
}

func (d *Device) IsActive() bool {
	return d.Status == StatusActive
}

// PowerReading is one telemetry sample. Power is always Voltage*Current.
type PowerReading struct {
	DeviceID  int64     `json:"device_id"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Power     float64   `json:"power"`
	Timestamp time.Time `json:"timestamp"`
}

func NewPowerReading(deviceID int64, voltage, current float64, at time.Time) PowerReading {
	return PowerReading{
		DeviceID:  deviceID,
		Voltage:   voltage,
		Current:   current,
		Power:     voltage * current,
		Timestamp: at.UTC(),
	}
}

// NormalizeAddress returns the fixed-width account form: 0x followed by 64 lowercase hex digits.
func NormalizeAddress(addr string) string {
	hex := strings.ToLower(strings.TrimSpace(addr))
	hex = strings.TrimPrefix(hex, "0x")
	if len(hex) < 64 {
		hex = strings.Repeat("0", 64-len(hex)) + hex
	}
	return "0x" + hex
}
