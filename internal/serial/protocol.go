package serial

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/EstateHub/internal/types"
)

var ErrNotJSON = errors.New("line is not a JSON object")

// Message is one decoded device line. A line may carry the identity, the
// telemetry or both.
type Message struct {
	DeviceID    string
	HasDeviceID bool
	HasCurrent  bool
	Telemetry   Telemetry
}

type Telemetry struct {
	Current         float64
	Voltage         float64
	Requested       bool
	UpdateRequested bool
}

func (t Telemetry) Power() float64 {
	return t.Voltage * t.Current
}

// ParseMessage decodes a device line. Missing telemetry fields are zero.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Message{}, ErrNotJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return Message{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var msg Message
	if raw, ok := fields["device_id"]; ok {
		id, err := decodeString(raw)
		if err != nil {
			return Message{}, fmt.Errorf("invalid device_id: %w", err)
		}
		msg.DeviceID = id
		msg.HasDeviceID = id != ""
	}

	var err error
	if raw, ok := fields["current"]; ok {
		msg.HasCurrent = true
		if msg.Telemetry.Current, err = decodeFloat(raw); err != nil {
			return Message{}, fmt.Errorf("invalid current: %w", err)
		}
	}
	if raw, ok := fields["voltage"]; ok {
		if msg.Telemetry.Voltage, err = decodeFloat(raw); err != nil {
			return Message{}, fmt.Errorf("invalid voltage: %w", err)
		}
	}
	if raw, ok := fields["req"]; ok {
		if msg.Telemetry.Requested, err = decodeBool(raw); err != nil {
			return Message{}, fmt.Errorf("invalid req: %w", err)
		}
	}
	if raw, ok := fields["update"]; ok {
		if msg.Telemetry.UpdateRequested, err = decodeBool(raw); err != nil {
			return Message{}, fmt.Errorf("invalid update: %w", err)
		}
	}

	return msg, nil
}

// FormatInstruction renders the hub to device line, without the newline.
func FormatInstruction(balance int64, instruction types.Instruction) string {
	return fmt.Sprintf("%d,%d", balance, int(instruction))
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Devices send numbers either bare or quoted.
func decodeFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(s), "true"), nil
}
