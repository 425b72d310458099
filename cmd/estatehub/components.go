package main

import (
	"context"
	"fmt"

	"github.com/KevinKickass/EstateHub/internal/bus"
	"github.com/KevinKickass/EstateHub/internal/cache"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/ledger"
	"github.com/KevinKickass/EstateHub/internal/registry"
	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// stores holds the device mirror and reading store selected by config.
type stores struct {
	devices  storage.DeviceStore
	readings storage.ReadingStore

	pg *storage.PostgresClient
	ch *storage.ClickHouseReadingStore
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	var memory *storage.MemoryStore
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.pg = pg
		s.devices = storage.NewPostgresDeviceStore(pg)
	case "memory":
		memory = storage.NewMemoryStore()
		s.devices = memory
		logger.Warn("Using in-memory device mirror, state is lost on restart")
	}

	switch cfg.Readings.Driver {
	case "postgres":
		s.readings = storage.NewPostgresReadingStore(s.pg)
	case "clickhouse":
		ch, err := storage.NewClickHouseReadingStore(ctx, cfg.Readings.ClickHouse, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.ch = ch
		s.readings = ch
	case "memory":
		if memory == nil {
			memory = storage.NewMemoryStore()
		}
		s.readings = memory
	}

	if cfg.Database.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *stores) Migrate(ctx context.Context) error {
	if s.pg != nil {
		if err := s.pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate postgres: %w", err)
		}
	}
	if s.ch != nil {
		if err := s.ch.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate clickhouse: %w", err)
		}
	}
	return nil
}

func (s *stores) Close() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

func newLedgerClient(cfg config.LedgerConfig, logger *zap.Logger) (*ledger.Client, error) {
	node, err := ledger.NewStarknetNode(cfg.NodeURL, cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	invoker := ledger.NewRelayerInvoker(cfg.RelayerURL, cfg.RelayerKey, cfg.CallTimeout)

	return ledger.NewClient(node, invoker, ledger.ClientConfig{
		ContractAddress:   cfg.ContractAddress,
		CallTimeout:       cfg.CallTimeout,
		AcceptanceTimeout: cfg.AcceptanceTimeout,
		ReceiptInterval:   cfg.ReceiptInterval,
		EventChunkSize:    cfg.EventChunkSize,
	}, logger), nil
}

func newRegistryClient(cfg *config.Config, rdb *redis.Client, devices storage.DeviceStore, balances registry.Balances, logger *zap.Logger) (*registry.Client, error) {
	return registry.NewClient(registry.ClientConfig{
		BaseURL:       cfg.Registry.BaseURL,
		APIKey:        cfg.Hub.APIKey,
		Timeout:       cfg.Registry.Timeout,
		CredentialTTL: cfg.Registry.CredentialTTL,
	}, cache.NewCredentialStore(rdb, cfg.Hub.Name), devices, balances, logger)
}

func newBusClient(cfg *config.Config, devices bus.Devices, readings bus.Readings, logger *zap.Logger) (*bus.Client, error) {
	transport, err := bus.NewTransport(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	return bus.NewClient(transport, devices, readings, bus.ClientConfig{
		Hub:            cfg.Hub,
		StreamInterval: cfg.Bus.StreamInterval,
	}, logger), nil
}
