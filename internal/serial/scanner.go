package serial

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

type PortInfo struct {
	Name         string
	IsUSB        bool
	VendorID     string
	ProductID    string
	SerialNumber string
}

type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// EnumeratorLister lists ports through the OS enumerator, including USB ids.
type EnumeratorLister struct{}

func (EnumeratorLister) ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VendorID:     strings.ToLower(d.VID),
			ProductID:    strings.ToLower(d.PID),
			SerialNumber: d.SerialNumber,
		})
	}
	return ports, nil
}

type ScannerConfig struct {
	Interval     time.Duration
	Patterns     []string
	USBVendorIDs []string
}

// Scanner periodically lists serial ports and reports device-matching
// ports it has not reported before.
type Scanner struct {
	lister     PortLister
	cfg        ScannerConfig
	vendorIDs  map[string]bool
	onDiscover func(port string)
	onLost     func(port string)
	logger     *zap.Logger

	seenMu sync.Mutex
	seen   map[string]bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewScanner(lister PortLister, cfg ScannerConfig, onDiscover, onLost func(port string), logger *zap.Logger) *Scanner {
	vendorIDs := make(map[string]bool, len(cfg.USBVendorIDs))
	for _, vid := range cfg.USBVendorIDs {
		vendorIDs[strings.ToLower(strings.TrimPrefix(vid, "0x"))] = true
	}

	return &Scanner{
		lister:     lister,
		cfg:        cfg,
		vendorIDs:  vendorIDs,
		onDiscover: onDiscover,
		onLost:     onLost,
		logger:     logger.Named("scanner"),
		seen:       make(map[string]bool),
		stopChan:   make(chan struct{}),
	}
}

func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	s.wg.Add(1)

	go s.scanLoop()

	s.logger.Info("Port scanner started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Strings("patterns", s.cfg.Patterns))

	return nil
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info("Port scanner stopped")
}

func (s *Scanner) scanLoop() {
	defer s.wg.Done()

	s.scanOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *Scanner) scanOnce() {
	discovered, lost, err := s.Scan()
	if err != nil {
		s.logger.Error("Port scan failed", zap.Error(err))
		return
	}

	for _, port := range lost {
		s.logger.Info("Serial port disappeared", zap.String("port", port))
		if s.onLost != nil {
			s.onLost(port)
		}
	}
	for _, port := range discovered {
		s.logger.Info("Serial port discovered", zap.String("port", port))
		if s.onDiscover != nil {
			s.onDiscover(port)
		}
	}
}

// Scan lists ports once and returns the matching ports not reported
// before and the previously reported ports that are gone.
func (s *Scanner) Scan() (discovered, lost []string, err error) {
	ports, err := s.lister.ListPorts()
	if err != nil {
		return nil, nil, err
	}

	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		if s.Matches(p) {
			present[p.Name] = true
		}
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	for name := range present {
		if !s.seen[name] {
			s.seen[name] = true
			discovered = append(discovered, name)
		}
	}
	for name := range s.seen {
		if !present[name] {
			delete(s.seen, name)
			lost = append(lost, name)
		}
	}

	sort.Strings(discovered)
	sort.Strings(lost)
	return discovered, lost, nil
}

// Forget makes a still-present port eligible for discovery on the next scan.
func (s *Scanner) Forget(port string) {
	s.seenMu.Lock()
	delete(s.seen, port)
	s.seenMu.Unlock()
}

func (s *Scanner) Matches(p PortInfo) bool {
	if p.IsUSB && s.vendorIDs[strings.ToLower(p.VendorID)] {
		return true
	}
	for _, pattern := range s.cfg.Patterns {
		if ok, _ := filepath.Match(pattern, p.Name); ok {
			return true
		}
	}
	return false
}
