package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/EstateHub/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport carries the bus over NATS. Topics use "/" separators and are
// mapped onto "." subjects.
type NATSTransport struct {
	cfg    config.BusConfig
	conn   *nats.Conn
	logger *zap.Logger
}

func NewNATSTransport(cfg config.BusConfig, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		cfg:    cfg,
		logger: logger.Named("nats"),
	}
}

func subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (t *NATSTransport) Connect(ctx context.Context, router *Router) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := t.cfg.ClientID
	if name == "" {
		name = "estatehub"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(connectTimeout(t.cfg)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DrainTimeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("Broker connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("Reconnected to broker", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			t.logger.Error("Async broker error", zap.Error(err))
		}),
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if strings.HasPrefix(t.cfg.BrokerURL, "tls://") {
		opts = append(opts, nats.Secure(tlsConfig(t.cfg)))
	}

	nc, err := nats.Connect(t.cfg.BrokerURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", t.cfg.BrokerURL, err)
	}

	// nats.go restores subscriptions after a reconnect on its own.
	for _, topic := range router.Topics() {
		topic := topic
		if _, err := nc.Subscribe(subject(topic), func(msg *nats.Msg) {
			router.Dispatch(topic, msg.Data)
		}); err != nil {
			nc.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		t.logger.Info("Subscribed", zap.String("subject", subject(topic)))
	}

	t.conn = nc
	t.logger.Info("Connected to broker", zap.String("url", nc.ConnectedUrl()))
	return nil
}

func (t *NATSTransport) Publish(topic string, payload []byte) error {
	if t.conn == nil {
		return fmt.Errorf("nats transport not connected")
	}
	if err := t.conn.Publish(subject(topic), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (t *NATSTransport) Close() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
	}
	t.logger.Info("Disconnected from broker")
}
