package tpmlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures an MQTTTransport.
type MQTTConfig struct {
	Broker   string // e.g. "tcp://localhost:1883"
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Encoding Encoding
	Logger   *slog.Logger
}

// MQTTTransport publishes documents to an MQTT topic. The paho client
// reconnects on its own; while it is down Connected reports false.
type MQTTTransport struct {
	cfg    MQTTConfig
	client mqtt.Client
}

// NewMQTTTransport starts connecting in the background and returns at once.
func NewMQTTTransport(cfg MQTTConfig) *MQTTTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tpmlog-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	client.Connect()
	return &MQTTTransport{cfg: cfg, client: client}
}

// Connected reports whether the broker connection is up.
func (t *MQTTTransport) Connected() bool {
	return t.client.IsConnectionOpen()
}

// Send publishes d and waits for the broker acknowledgement or ctx.
func (t *MQTTTransport) Send(ctx context.Context, d Document) error {
	if !t.Connected() {
		return ErrTransportUnavailable
	}
	payload, err := EncodeDocument(d, t.cfg.Encoding)
	if err != nil {
		return err
	}
	token := t.client.Publish(t.cfg.Topic, t.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing a short grace period for in-flight work.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
