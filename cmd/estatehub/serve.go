package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/EstateHub/internal/api/rest"
	"github.com/KevinKickass/EstateHub/internal/api/websocket"
	"github.com/KevinKickass/EstateHub/internal/bridge"
	"github.com/KevinKickass/EstateHub/internal/cache"
	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/KevinKickass/EstateHub/internal/hub"
	"github.com/KevinKickass/EstateHub/internal/serial"
	"github.com/KevinKickass/EstateHub/internal/session"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ledgerClient, err := newLedgerClient(cfg.Ledger, logger)
	if err != nil {
		return err
	}
	registryClient, err := newRegistryClient(cfg, rdb, st.devices, ledgerClient, logger)
	if err != nil {
		return err
	}
	busClient, err := newBusClient(cfg, st.devices, st.readings, logger)
	if err != nil {
		return err
	}

	ports := cache.NewPortRegistry(rdb, cfg.Hub.Name)
	counter := cache.NewThresholdCounter(rdb)
	work := bridge.New(cfg.Bridge.QueueSize, logger)

	var wsHub *websocket.Hub
	if cfg.API.Enabled {
		wsHub = websocket.NewHub(cfg.API.TokenHash, logger)
	}

	sessionCfg := session.Config{
		SettleDelay:      cfg.Serial.SettleDelay,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		ReadTimeout:      cfg.Session.ReadTimeout,
		LoopInterval:     cfg.Session.LoopInterval,
		LedgerTimeout:    cfg.Ledger.CallTimeout,
		Threshold:        cfg.Session.Threshold,
	}
	sessionDeps := session.Deps{
		Open: func(port string) (session.Line, error) {
			line, err := serial.Open(port, cfg.Serial.BaudRate)
			if err != nil {
				return nil, err
			}
			return line, nil
		},
		Devices:  st.devices,
		Readings: st.readings,
		Counter:  counter,
		Ledger:   ledgerClient,
		Bridge:   work,
		Registry: registryClient,
		Ports:    ports,
		OnClose: func(device types.Device) {
			busClient.StopStream(device.ID)
		},
	}
	if wsHub != nil {
		sessionDeps.Observer = wsHub
	}

	supervisor := hub.NewSupervisor(hub.Config{
		ScanInterval:      cfg.Serial.ScanInterval,
		PortPatterns:      cfg.Serial.PortPatterns,
		USBVendorIDs:      cfg.Serial.USBVendorIDs,
		MinBackoff:        cfg.Session.MinBackoff,
		MaxBackoff:        cfg.Session.MaxBackoff,
		PollEvents:        cfg.Ledger.PollEvents,
		EventPollInterval: cfg.Ledger.EventPollInterval,
	}, hub.Deps{
		Ports:    ports,
		Registry: registryClient,
		Bus:      busClient,
		Bridge:   work,
		Lister:   serial.EnumeratorLister{},
		NewSession: func(port string) hub.Runner {
			return session.New(port, sessionCfg, sessionDeps, logger)
		},
		Events:    ledgerClient,
		Directory: st.devices,
	}, logger)

	if err := supervisor.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		supervisor.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start hub: %w", err)
	}

	var api *rest.Server
	if cfg.API.Enabled {
		go wsHub.Run(ctx)

		api = rest.NewServer(cfg.API, rest.Deps{
			Hub:      supervisor,
			Devices:  st.devices,
			Registry: registryClient,
			Bus:      busClient,
			WsHub:    wsHub,
		}, logger)
		if err := api.Start(); err != nil {
			logger.Error("Failed to start REST API", zap.Error(err))
		}
	}

	logger.Info("EstateHub started successfully")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("REST API shutdown failed", zap.Error(err))
		}
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("EstateHub stopped successfully")
	return nil
}
