package websocket

import (
	"time"

	"github.com/KevinKickass/EstateHub/internal/types"
)

type MessageType string

const (
	MessageTypePowerReading MessageType = "power_reading"
	MessageTypeSessionState MessageType = "session_state"
	MessageTypeHubStatus    MessageType = "hub_status"
)

type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

type PowerReadingData struct {
	DeviceID string             `json:"device_id"`
	Reading  types.PowerReading `json:"reading"`
}

type SessionStateData struct {
	Port     string `json:"port"`
	DeviceID string `json:"device_id,omitempty"`
	State    string `json:"state"`
}

func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewPowerReadingMessage(deviceID string, reading types.PowerReading) Message {
	return NewMessage(MessageTypePowerReading, PowerReadingData{DeviceID: deviceID, Reading: reading})
}

func NewSessionStateMessage(port, deviceID, state string) Message {
	return NewMessage(MessageTypeSessionState, SessionStateData{Port: port, DeviceID: deviceID, State: state})
}
