package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/bonzainsights/mragent/internal/config"
)

// ErrNotConnected is returned when publishing before Start.
var ErrNotConnected = errors.New("mqtt: not connected")

// MQTT publishes notifications to a broker topic. The connection is
// managed by autopaho and re-established automatically. A retained
// "online" status is published on every connect, with a will message
// flipping it to "offline" on an unexpected disconnect.
type MQTT struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// Message is the JSON payload of a notification.
type Message struct {
	Title string    `json:"title"`
	Body  string    `json:"body,omitempty"`
	Time  time.Time `json:"time"`
}

// NewMQTT creates a channel but does not connect; call Start.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "mragent/approvals"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mragent-" + uuid.NewString()[:8]
	}
	return &MQTT{cfg: cfg, logger: logger}
}

// StatusTopic carries the retained online/offline state.
func (m *MQTT) StatusTopic() string {
	return m.cfg.Topic + "/status"
}

// clientConfig builds the autopaho configuration for the broker URL.
func (m *MQTT) clientConfig(ctx context.Context, broker *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.StatusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// Start begins connecting in the background and returns once the first
// connection is up or 10s have passed. autopaho keeps retrying after
// that until ctx ends.
func (m *MQTT) Start(ctx context.Context) error {
	broker, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, m.clientConfig(ctx, broker))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	m.mu.Lock()
	cm := m.cm
	m.cm = nil
	m.mu.Unlock()
	if cm == nil {
		return nil
	}
	m.publishStatus(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Notify implements Notifier. It waits for a connection until ctx ends.
func (m *MQTT) Notify(ctx context.Context, title, body string) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}

	payload, err := encodeMessage(title, body, time.Now())
	if err != nil {
		return err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt: await connection: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.cfg.Topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", m.cfg.Topic, err)
	}
	m.logger.Debug("mqtt notification published", "topic", m.cfg.Topic)
	return nil
}

func (m *MQTT) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.StatusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	}
}

func encodeMessage(title, body string, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(Message{Title: title, Body: body, Time: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode message: %w", err)
	}
	return payload, nil
}
