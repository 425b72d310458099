package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/KevinKickass/EstateHub/internal/config"
	"go.uber.org/zap"
)

// Transport is a publish/subscribe connection to the command bus.
type Transport interface {
	// Connect opens the connection and subscribes every router topic. The
	// subscriptions are restored after reconnects.
	Connect(ctx context.Context, router *Router) error
	Publish(topic string, payload []byte) error
	Close()
}

// NewTransport builds the transport selected by cfg.Driver.
func NewTransport(cfg config.BusConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Driver {
	case "mqtt", "":
		return NewMQTTTransport(cfg, logger), nil
	case "nats":
		return NewNATSTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver: %s", cfg.Driver)
	}
}

func tlsConfig(cfg config.BusConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

func connectTimeout(cfg config.BusConfig) time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return cfg.ConnectTimeout
}
