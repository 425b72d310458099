package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/EstateHub/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const mqttQoS = 1

type MQTTTransport struct {
	cfg     config.BusConfig
	timeout time.Duration
	client  mqtt.Client
	logger  *zap.Logger
}

func NewMQTTTransport(cfg config.BusConfig, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{
		cfg:     cfg,
		timeout: connectTimeout(cfg),
		logger:  logger.Named("mqtt"),
	}
}

func (t *MQTTTransport) Connect(ctx context.Context, router *Router) error {
	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "estatehub-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(t.timeout).
		SetMaxReconnectInterval(time.Minute)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	if isTLSBroker(t.cfg.BrokerURL) {
		opts.SetTLSConfig(tlsConfig(t.cfg))
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, topic := range router.Topics() {
			token := c.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
				router.Dispatch(msg.Topic(), msg.Payload())
			})
			if !token.WaitTimeout(t.timeout) {
				t.logger.Error("Subscribe timed out", zap.String("topic", topic))
				continue
			}
			if err := token.Error(); err != nil {
				t.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
				continue
			}
			t.logger.Info("Subscribed", zap.String("topic", topic))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn("Broker connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		t.logger.Info("Reconnecting to broker")
	})

	t.client = mqtt.NewClient(opts)

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.timeout):
		return fmt.Errorf("failed to connect to broker %s: timeout", t.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", t.cfg.BrokerURL, err)
	}

	t.logger.Info("Connected to broker", zap.String("broker", t.cfg.BrokerURL), zap.String("client_id", clientID))
	return nil
}

func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	if t.client == nil {
		return fmt.Errorf("mqtt transport not connected")
	}
	token := t.client.Publish(topic, mqttQoS, false, payload)
	if !token.WaitTimeout(t.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (t *MQTTTransport) Close() {
	if t.client == nil {
		return
	}
	t.client.Disconnect(250)
	t.logger.Info("Disconnected from broker")
}

func isTLSBroker(url string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://", "wss://"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}
