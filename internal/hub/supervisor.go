package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/EstateHub/internal/ledger"
	"github.com/KevinKickass/EstateHub/internal/serial"
	"github.com/KevinKickass/EstateHub/internal/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Ports interface {
	PortClaimer
	Clear(ctx context.Context) error
}

type Registry interface {
	ResetMirror(ctx context.Context) error
	Connect(ctx context.Context) error
	SyncDevices(ctx context.Context) (int, error)
	Shutdown(ctx context.Context) error
}

type Bus interface {
	Start(ctx context.Context) error
	Close()
}

type EventPoller interface {
	PollTransferEvents(ctx context.Context, interval time.Duration, dir ledger.AccountDirectory) error
}

type Bridge interface {
	Shutdown()
}

type Config struct {
	ScanInterval      time.Duration
	PortPatterns      []string
	USBVendorIDs      []string
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	PollEvents        bool
	EventPollInterval time.Duration
}

type Deps struct {
	Ports      Ports
	Registry   Registry
	Bus        Bus
	Bridge     Bridge
	Lister     serial.PortLister
	NewSession func(port string) Runner

	// Events and Directory are only used when Config.PollEvents is set.
	Events    EventPoller
	Directory ledger.AccountDirectory
}

// Supervisor brings the hub up, keeps one session per attached device and
// tears everything down in order.
type Supervisor struct {
	cfg     Config
	deps    Deps
	manager *Manager
	scanner *serial.Scanner
	logger  *zap.Logger

	stateMu      sync.RWMutex
	currentState State
	lastErr      error

	listenersMu     sync.RWMutex
	statusListeners []chan Status

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewSupervisor(cfg Config, deps Deps, logger *zap.Logger) *Supervisor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.EventPollInterval <= 0 {
		cfg.EventPollInterval = 10 * time.Second
	}
	logger = logger.Named("hub")

	s := &Supervisor{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	s.scanner = serial.NewScanner(deps.Lister, serial.ScannerConfig{
		Interval:     cfg.ScanInterval,
		Patterns:     cfg.PortPatterns,
		USBVendorIDs: cfg.USBVendorIDs,
	}, s.onDiscover, s.onLost, logger)
	s.manager = NewManager(deps.NewSession, deps.Ports, s.scanner.Forget, cfg.MinBackoff, cfg.MaxBackoff, logger)

	return s
}

// Start connects to the registry and the bus, syncs the roster and begins
// scanning for devices.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("Starting hub")
	s.broadcastStatus()

	if err := s.deps.Ports.Clear(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to clear port registry: %w", err))
	}

	if err := s.deps.Registry.ResetMirror(ctx); err != nil {
		return s.fail(err)
	}

	if err := s.deps.Registry.Connect(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to connect to registry: %w", err))
	}

	if n, err := s.deps.Registry.SyncDevices(ctx); err != nil {
		s.logger.Warn("Initial device sync failed", zap.Error(err))
	} else {
		s.logger.Info("Initial device sync done", zap.Int("devices", n))
	}

	if err := s.deps.Bus.Start(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to start command bus: %w", err))
	}

	if s.cfg.PollEvents && s.deps.Events != nil {
		s.startEventPoller()
	}

	if err := s.scanner.Start(); err != nil {
		return s.fail(fmt.Errorf("failed to start port scanner: %w", err))
	}

	s.setState(StateRunning)
	s.broadcastStatus()

	s.logger.Info("Hub started",
		zap.Duration("scan_interval", s.cfg.ScanInterval),
		zap.Bool("event_polling", s.pollDone != nil))
	return nil
}

func (s *Supervisor) startEventPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})

	go func() {
		defer close(s.pollDone)
		if err := s.deps.Events.PollTransferEvents(ctx, s.cfg.EventPollInterval, s.deps.Directory); err != nil {
			s.logger.Error("Transfer event poller stopped", zap.Error(err))
		}
	}()
}

func (s *Supervisor) onDiscover(port string) {
	s.manager.Spawn(port)
	s.broadcastStatus()
}

func (s *Supervisor) onLost(port string) {
	s.manager.Cancel(port)
}

// Shutdown stops the hub once. Later calls return nil.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down hub")

		s.setState(StateStopping)
		s.broadcastStatus()

		shutdownErr = s.gracefulShutdown(ctx)

		if shutdownErr != nil {
			s.setError(shutdownErr)
		}
		s.setState(StateStopped)
		s.broadcastStatus()

		close(s.shutdownChan)
	})

	return shutdownErr
}

func (s *Supervisor) gracefulShutdown(ctx context.Context) error {
	s.scanner.Stop()

	var g errgroup.Group
	g.Go(func() error {
		if err := s.manager.StopAll(ctx); err != nil {
			return fmt.Errorf("session stop failed: %w", err)
		}
		return nil
	})
	if s.pollCancel != nil {
		g.Go(func() error {
			s.pollCancel()
			select {
			case <-s.pollDone:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("event poller stop failed: %w", ctx.Err())
			}
		})
	}
	err := g.Wait()

	if regErr := s.deps.Registry.Shutdown(ctx); regErr != nil {
		err = multierr.Append(err, fmt.Errorf("registry shutdown failed: %w", regErr))
	}

	s.deps.Bus.Close()
	s.deps.Bridge.Shutdown()

	if err != nil {
		s.logger.Warn("Hub stopped with errors", zap.Error(err))
		return err
	}
	s.logger.Info("Graceful shutdown completed")
	return nil
}

// Done is closed once Shutdown finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.shutdownChan
}

func (s *Supervisor) Sessions() []session.Info {
	return s.manager.List()
}

func (s *Supervisor) Status() Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	status := Status{
		State:     s.currentState,
		Sessions:  s.manager.List(),
		Timestamp: time.Now().Unix(),
	}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	return status
}

// AddStatusListener returns a channel receiving every status change. Slow
// listeners miss updates.
func (s *Supervisor) AddStatusListener() <-chan Status {
	ch := make(chan Status, 8)
	s.listenersMu.Lock()
	s.statusListeners = append(s.statusListeners, ch)
	s.listenersMu.Unlock()
	return ch
}

func (s *Supervisor) broadcastStatus() {
	status := s.Status()

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, ch := range s.statusListeners {
		select {
		case ch <- status:
		default:
		}
	}
}

func (s *Supervisor) fail(err error) error {
	s.logger.Error("Hub start failed", zap.Error(err))
	s.setError(err)
	s.broadcastStatus()
	return err
}

func (s *Supervisor) setState(state State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err := ValidateTransition(s.currentState, state); err != nil {
		s.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	s.currentState = state
}

func (s *Supervisor) setError(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.lastErr = err
	if !errors.Is(err, context.Canceled) {
		s.currentState = StateError
	}
}
