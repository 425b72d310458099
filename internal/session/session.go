package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/EstateHub/internal/bridge"
	"github.com/KevinKickass/EstateHub/internal/serial"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrUnknownDevice    = errors.New("device not found in mirror")
	ErrDeviceInactive   = errors.New("device is inactive")
)

const teardownTimeout = 10 * time.Second

// Line is a newline-delimited serial connection to one device.
type Line interface {
	Name() string
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
	WriteLine(s string) error
	Flush() error
	Close() error
}

type Devices interface {
	FindByID(ctx context.Context, id int64) (*types.Device, error)
	FindByDeviceID(ctx context.Context, deviceID string) (*types.Device, error)
	SetInstruction(ctx context.Context, id int64, instruction types.Instruction) error
	SetBalance(ctx context.Context, id int64, balance int64) error
}

type Readings interface {
	InsertReading(ctx context.Context, reading types.PowerReading) error
}

type Counter interface {
	Accumulate(ctx context.Context, deviceID string, amount, threshold float64) (int, float64, error)
}

type Ledger interface {
	BalanceOf(ctx context.Context, address string) (int64, error)
	Consume(ctx context.Context, address, idempotencyKey string) (string, error)
}

// Executor runs ledger work off the session goroutine.
type Executor interface {
	Go(name string, op bridge.Op)
	Run(ctx context.Context, name string, op bridge.Op) error
}

type Registry interface {
	ActivateDevice(ctx context.Context, deviceID string) error
	DeactivateDevice(ctx context.Context, deviceID string) error
	ConsumeToken(ctx context.Context, event types.ConsumptionEvent) error
}

type PortReleaser interface {
	Release(ctx context.Context, port string) error
}

// Observer receives session events for live views. Calls must not block.
type Observer interface {
	StateChanged(port, deviceID string, state State)
	ReadingStored(deviceID string, reading types.PowerReading)
}

type Deps struct {
	Open     func(port string) (Line, error)
	Devices  Devices
	Readings Readings
	Counter  Counter
	Ledger   Ledger
	Bridge   Executor
	Registry Registry
	Ports    PortReleaser
	Observer Observer

	// OnClose runs last in teardown for a device that was identified.
	OnClose func(device types.Device)
}

type Config struct {
	SettleDelay      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	LoopInterval     time.Duration
	LedgerTimeout    time.Duration
	Threshold        float64
}

// Info is a point-in-time view of a session.
type Info struct {
	Port        string    `json:"port"`
	DeviceID    string    `json:"device_id,omitempty"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Session drives one serial-attached device from handshake to disconnect.
// A Session is single-use.
type Session struct {
	port   string
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	device      *types.Device
	startedAt   time.Time
	connectedAt time.Time
	terminated  bool

	line            Line
	updateRequested bool
	consumed        atomic.Bool
}

func New(port string, cfg Config, deps Deps, logger *zap.Logger) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 2 * time.Second
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 15 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 50
	}

	return &Session{
		port:   port,
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("session").With(zap.String("port", port)),
		state:  StateDisconnected,
	}
}

func (s *Session) Port() string {
	return s.port
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Port:        s.port,
		State:       s.state,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
	}
	if s.device != nil {
		info.DeviceID = s.device.DeviceID
	}
	return info
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run executes the session until a fatal error or ctx cancellation. It
// returns nil only when ctx was cancelled.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.terminated || !s.startedAt.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("session for %s already used", s.port)
	}
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	defer func() {
		if ctx.Err() != nil {
			err = nil
		}
		s.teardown(err)
	}()

	if err := s.transition(StateHandshaking); err != nil {
		return err
	}

	line, err := s.deps.Open(s.port)
	if err != nil {
		return fmt.Errorf("failed to open serial line: %w", err)
	}
	s.line = line

	if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}
	if err := s.line.Flush(); err != nil {
		return err
	}

	if err := s.handshake(ctx); err != nil {
		return err
	}

	if err := s.transition(StateConnected); err != nil {
		return err
	}
	s.mu.Lock()
	s.connectedAt = time.Now().UTC()
	device := *s.device
	s.mu.Unlock()

	if err := s.deps.Registry.ActivateDevice(ctx, device.DeviceID); err != nil {
		return fmt.Errorf("failed to activate device %s: %w", device.DeviceID, err)
	}
	s.logger.Info("Device connected", zap.String("device_id", device.DeviceID))

	return s.loop(ctx)
}

// handshake waits for the device to identify itself, answers with its
// balance and completes on the first telemetry line.
func (s *Session) handshake(ctx context.Context) error {
	for {
		raw, err := s.line.ReadLine(ctx, s.cfg.HandshakeTimeout)
		if errors.Is(err, serial.ErrReadTimeout) {
			s.logger.Warn("Handshake timed out", zap.String("device_id", s.deviceID()))
			return ErrHandshakeTimeout
		}
		if err != nil {
			return err
		}

		msg, err := serial.ParseMessage(raw)
		if err != nil {
			s.logger.Debug("Skipping handshake line", zap.String("line", raw), zap.Error(err))
			continue
		}

		if msg.HasDeviceID && s.deviceID() == "" {
			if err := s.identify(ctx, msg.DeviceID); err != nil {
				return err
			}
		}

		if msg.HasCurrent && s.deviceID() != "" {
			return nil
		}
	}
}

func (s *Session) identify(ctx context.Context, deviceID string) error {
	device, err := s.deps.Devices.FindByDeviceID(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("Unknown device", zap.String("device_id", deviceID))
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to load device %s: %w", deviceID, err)
	}

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
	s.logger = s.logger.With(zap.String("device_id", deviceID))
	s.logger.Info("Device identified",
		zap.Int64("id", device.ID),
		zap.String("connection_type", string(device.ConnectionType)),
		zap.Int64("balance", device.TokenBalance))

	return s.send(device.TokenBalance, types.InstructionPersist)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		device, err := s.refresh(ctx)
		if err != nil {
			return err
		}
		if !device.IsActive() {
			s.logger.Warn("Device marked inactive")
			return ErrDeviceInactive
		}

		if err := s.instruct(ctx, device); err != nil {
			return err
		}

		if err := s.transition(StateReading); err != nil {
			return err
		}
		telemetry, err := s.readTelemetry(ctx)
		if err != nil {
			return err
		}
		if telemetry != nil {
			s.record(ctx, device, *telemetry)
		}

		if err := sleep(ctx, s.cfg.LoopInterval); err != nil {
			return err
		}
	}
}

func (s *Session) refresh(ctx context.Context) (types.Device, error) {
	s.mu.RLock()
	id := s.device.ID
	s.mu.RUnlock()

	device, err := s.deps.Devices.FindByID(ctx, id)
	if err != nil {
		return types.Device{}, fmt.Errorf("failed to refresh device: %w", err)
	}

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
	return *device, nil
}

// instruct sends at most one instruction per cycle. A balance push (3) wins
// over a toggle (2), which wins over persist (1).
func (s *Session) instruct(ctx context.Context, device types.Device) error {
	if s.updateRequested || s.consumed.Load() {
		if err := s.transition(StateInstructing); err != nil {
			return err
		}
		balance := s.ledgerBalance(ctx, device)
		if err := s.send(balance, types.InstructionForceBalance); err != nil {
			return err
		}
		s.updateRequested = false
		s.consumed.Store(false)
		return nil
	}

	switch device.Instruction {
	case types.InstructionToggle:
		if err := s.transition(StateInstructing); err != nil {
			return err
		}
		if err := s.send(device.TokenBalance, types.InstructionToggle); err != nil {
			return err
		}
		s.logger.Info("Load toggled")
		if err := s.deps.Devices.SetInstruction(ctx, device.ID, types.InstructionPersist); err != nil {
			s.logger.Error("Failed to reset instruction", zap.Error(err))
		}
	case types.InstructionPersist:
		if err := s.transition(StateInstructing); err != nil {
			return err
		}
		return s.send(device.TokenBalance, types.InstructionPersist)
	}
	return nil
}

// ledgerBalance reads the balance through the bridge and stores it. The
// mirror balance is used when the ledger cannot be reached.
func (s *Session) ledgerBalance(ctx context.Context, device types.Device) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()

	var balance int64
	err := s.deps.Bridge.Run(ctx, "balance_of:"+device.DeviceID, func(ctx context.Context) error {
		var err error
		balance, err = s.deps.Ledger.BalanceOf(ctx, device.AccountAddress)
		return err
	})
	if err != nil {
		s.logger.Warn("Balance refresh failed, using mirror balance", zap.Error(err))
		return device.TokenBalance
	}

	if err := s.deps.Devices.SetBalance(ctx, device.ID, balance); err != nil {
		s.logger.Error("Failed to store balance", zap.Error(err))
	}
	return balance
}

func (s *Session) readTelemetry(ctx context.Context) (*serial.Telemetry, error) {
	if err := s.line.Flush(); err != nil {
		return nil, err
	}

	raw, err := s.line.ReadLine(ctx, s.cfg.ReadTimeout)
	if errors.Is(err, serial.ErrReadTimeout) {
		s.logger.Debug("No telemetry this cycle")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := serial.ParseMessage(raw)
	if err != nil {
		s.logger.Warn("Invalid telemetry line", zap.String("line", raw), zap.Error(err))
		return nil, nil
	}
	if msg.Telemetry.UpdateRequested {
		s.updateRequested = true
	}
	if !msg.HasCurrent {
		return nil, nil
	}
	return &msg.Telemetry, nil
}

func (s *Session) record(ctx context.Context, device types.Device, t serial.Telemetry) {
	reading := types.NewPowerReading(device.ID, t.Voltage, t.Current, time.Now())

	if err := s.deps.Readings.InsertReading(ctx, reading); err != nil {
		s.logger.Error("Failed to store reading", zap.Error(err))
	} else if s.deps.Observer != nil {
		s.deps.Observer.ReadingStored(device.DeviceID, reading)
	}

	if !device.IsConsumer() || device.TokenBalance <= 0 {
		return
	}

	triggers, remainder, err := s.deps.Counter.Accumulate(ctx, device.DeviceID, reading.Power, s.cfg.Threshold)
	if err != nil {
		s.logger.Error("Failed to accumulate power", zap.Error(err))
		return
	}
	s.logger.Debug("Power accumulated",
		zap.Float64("power", reading.Power),
		zap.Float64("accumulated", remainder),
		zap.Int("triggers", triggers))

	for i := 0; i < triggers; i++ {
		s.dispatchConsume(device)
	}
}

// dispatchConsume burns one token in the background, reports it to the
// registry and flags the session to push the new balance.
func (s *Session) dispatchConsume(device types.Device) {
	key := uuid.NewString()
	s.logger.Info("Threshold reached, consuming token", zap.String("idempotency_key", key))

	s.deps.Bridge.Go("consume:"+device.DeviceID, func(ctx context.Context) error {
		txHash, err := s.deps.Ledger.Consume(ctx, device.AccountAddress, key)
		if err != nil {
			return err
		}

		balance := device.TokenBalance
		if current, err := s.deps.Devices.FindByID(ctx, device.ID); err == nil {
			balance = current.TokenBalance
		}
		balance--
		if balance < 0 {
			balance = 0
		}
		if err := s.deps.Devices.SetBalance(ctx, device.ID, balance); err != nil {
			s.logger.Error("Failed to store balance", zap.Error(err))
		}

		// Best effort; the ledger is the source of truth.
		_ = s.deps.Registry.ConsumeToken(ctx, types.ConsumptionEvent{
			DeviceID:       device.DeviceID,
			TxHash:         txHash,
			Balance:        balance,
			IdempotencyKey: key,
		})

		s.consumed.Store(true)
		return nil
	})
}

func (s *Session) send(balance int64, instruction types.Instruction) error {
	if err := s.line.WriteLine(serial.FormatInstruction(balance, instruction)); err != nil {
		return err
	}
	s.logger.Debug("Instruction sent",
		zap.Int64("balance", balance),
		zap.Stringer("instruction", instruction))
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("session for %s is closed", s.port)
	}
	if err := ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	if to == StateDisconnected {
		s.terminated = true
	}
	deviceID := ""
	if s.device != nil {
		deviceID = s.device.DeviceID
	}
	s.mu.Unlock()

	s.logger.Debug("Session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.deps.Observer != nil {
		s.deps.Observer.StateChanged(s.port, deviceID, to)
	}
	return nil
}

func (s *Session) teardown(cause error) {
	if cause != nil {
		s.logger.Error("Session failed", zap.Error(cause))
	} else {
		s.logger.Info("Session stopped")
	}

	if err := s.transition(StateDisconnected); err != nil {
		s.logger.Warn("Failed to record disconnect", zap.Error(err))
	}

	if s.line != nil {
		if err := s.line.Close(); err != nil {
			s.logger.Warn("Failed to close serial line", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	s.mu.RLock()
	var device *types.Device
	if s.device != nil {
		d := *s.device
		device = &d
	}
	s.mu.RUnlock()

	if device != nil {
		if err := s.deps.Registry.DeactivateDevice(ctx, device.DeviceID); err != nil {
			s.logger.Warn("Failed to deactivate device", zap.Error(err))
		}
	}

	if err := s.deps.Ports.Release(ctx, s.port); err != nil {
		s.logger.Error("Failed to release port", zap.Error(err))
	}

	if device != nil && s.deps.OnClose != nil {
		s.deps.OnClose(*device)
	}
}

func (s *Session) deviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.device == nil {
		return ""
	}
	return s.device.DeviceID
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
