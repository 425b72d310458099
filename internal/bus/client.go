package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"go.uber.org/zap"
)

const handlerTimeout = 10 * time.Second

// Devices is the part of the device mirror the bus client touches.
type Devices interface {
	FindByID(ctx context.Context, id int64) (*types.Device, error)
	SetInstruction(ctx context.Context, id int64, instruction types.Instruction) error
}

type Readings interface {
	LatestReading(ctx context.Context, deviceID int64) (*types.PowerReading, error)
}

type ClientConfig struct {
	Hub            config.HubConfig
	StreamInterval time.Duration
}

// Client is the hub's control-plane endpoint on the command bus.
type Client struct {
	transport Transport
	router    *Router
	streams   *StreamRegistry
	devices   Devices
	readings  Readings
	hub       config.HubConfig
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewClient(transport Transport, devices Devices, readings Readings, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 3 * time.Second
	}
	logger = logger.Named("bus")

	c := &Client{
		transport: transport,
		router:    NewRouter(logger),
		streams:   NewStreamRegistry(),
		devices:   devices,
		readings:  readings,
		hub:       cfg.Hub,
		interval:  cfg.StreamInterval,
		logger:    logger,
		baseCtx:   context.Background(),
	}
	c.router.Handle(cfg.Hub.CommandTopic(), c.handleCommand)
	return c
}

// Start connects the transport. Streams started afterwards live until
// stopped, Close is called or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	if err := c.transport.Connect(ctx, c.router); err != nil {
		return fmt.Errorf("failed to start command bus: %w", err)
	}
	c.logger.Info("Command bus client started", zap.Strings("topics", c.router.Topics()))
	return nil
}

// Close stops every stream and disconnects.
func (c *Client) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.streams.StopAll()
	c.transport.Close()
	c.logger.Info("Command bus client stopped")
}

// SendInstruction publishes a toggle for the device on the command topic.
func (c *Client) SendInstruction(deviceID int64) error {
	payload, err := json.Marshal(map[string]any{
		"device":      deviceID,
		"instruction": int(types.InstructionToggle),
	})
	if err != nil {
		return fmt.Errorf("failed to encode instruction: %w", err)
	}
	if err := c.transport.Publish(c.hub.CommandTopic(), payload); err != nil {
		return err
	}
	c.logger.Info("Toggle instruction published", zap.Int64("device", deviceID))
	return nil
}

func (c *Client) StopStream(deviceID int64) bool {
	return c.streams.Stop(deviceID)
}

func (c *Client) StopAll() {
	c.streams.StopAll()
}

func (c *Client) Streaming(deviceID int64) bool {
	return c.streams.Active(deviceID)
}

type command struct {
	Device      json.RawMessage `json:"device"`
	Instruction json.RawMessage `json:"instruction"`
	Command     string          `json:"command"`
}

func (c *Client) handleCommand(topic string, payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Warn("Invalid command payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	id, err := parseDeviceID(cmd.Device)
	if err != nil {
		c.logger.Warn("Command without usable device id", zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	// stop needs no mirror lookup.
	if len(cmd.Instruction) == 0 && cmd.Command == "stop" {
		if c.streams.Stop(id) {
			c.logger.Info("Stream stopped", zap.Int64("device", id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(c.context(), handlerTimeout)
	defer cancel()

	device, err := c.devices.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Command for unknown device", zap.Int64("device", id))
		} else {
			c.logger.Error("Failed to load device", zap.Int64("device", id), zap.Error(err))
		}
		return
	}

	if len(cmd.Instruction) > 0 {
		if err := c.devices.SetInstruction(ctx, device.ID, types.InstructionToggle); err != nil {
			c.logger.Error("Failed to store toggle instruction", zap.String("device_id", device.DeviceID), zap.Error(err))
			return
		}
		c.logger.Info("Toggle requested", zap.String("device_id", device.DeviceID))
		return
	}

	switch cmd.Command {
	case "stream":
		d := *device
		if c.streams.Start(c.context(), d.ID, func(ctx context.Context) { c.streamPower(ctx, d) }) {
			c.logger.Info("Stream started", zap.String("device_id", d.DeviceID))
		} else {
			c.logger.Warn("Already streaming", zap.String("device_id", d.DeviceID))
		}
	default:
		c.logger.Info("Unknown command", zap.ByteString("payload", payload))
	}
}

func (c *Client) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

func (c *Client) streamPower(ctx context.Context, device types.Device) {
	topic := c.hub.PowerTopic(device.ID)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.publishLatest(ctx, device, topic)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) publishLatest(ctx context.Context, device types.Device, topic string) {
	reading, err := c.readings.LatestReading(ctx, device.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
			c.logger.Error("Failed to load latest reading", zap.String("device_id", device.DeviceID), zap.Error(err))
		}
		return
	}

	payload, err := json.Marshal(map[string]any{
		"timestamp": reading.Timestamp.UTC().Format(time.RFC3339),
		"power":     reading.Power,
	})
	if err != nil {
		c.logger.Error("Failed to encode reading", zap.Error(err))
		return
	}

	if ctx.Err() != nil {
		return
	}
	if err := c.transport.Publish(topic, payload); err != nil {
		c.logger.Error("Failed to publish reading", zap.String("device_id", device.DeviceID), zap.Error(err))
		return
	}
	c.logger.Debug("Reading published", zap.String("device_id", device.DeviceID), zap.Float64("power", reading.Power))
}

func parseDeviceID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing device")
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Int64()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("device must be a number: %w", err)
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
