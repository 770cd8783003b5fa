package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/types"
)

const publishTimeout = 5 * time.Second

var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("client stopped")
)

type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if cfg.MQTTBroker == "" {
		return nil, fmt.Errorf("mqtt: no broker configured")
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// The broker marks the node unhealthy if it vanishes without a goodbye.
	will, err := json.Marshal(types.StationHealth{StationID: cfg.DeviceStationID, Healthy: false, Link: "offline"})
	if err != nil {
		return nil, fmt.Errorf("marshal will: %w", err)
	}
	opts.SetBinaryWill(HealthTopic(cfg.DeviceStationID), will, 1, true)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func TelemetryTopic(stationID string) string { return fmt.Sprintf("stations/%s/telemetry", stationID) }
func HealthTopic(stationID string) string    { return fmt.Sprintf("stations/%s/health", stationID) }

// Connect waits for the initial connection. It respects ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry the token only completes once a connection is up.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// PublishTelemetry publishes one reading to the station's telemetry topic.
func (c *Client) PublishTelemetry(telemetry types.Telemetry) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	telemetry.StationID = c.cfg.DeviceStationID
	if telemetry.Timestamp.IsZero() {
		telemetry.Timestamp = time.Now()
	}
	topic := TelemetryTopic(telemetry.StationID)

	data, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	if err := c.publish(topic, false, data); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	c.logger.Debug("published telemetry", "topic", topic)
	return nil
}

// PublishStationHealth publishes the retained link status.
func (c *Client) PublishStationHealth(health types.StationHealth) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	health.StationID = c.cfg.DeviceStationID
	if health.LastSeen.IsZero() {
		health.LastSeen = time.Now()
	}
	topic := HealthTopic(health.StationID)

	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	if err := c.publish(topic, true, data); err != nil {
		return fmt.Errorf("publish health: %w", err)
	}

	c.logger.Debug("published station health",
		"topic", topic,
		"link", health.Link,
		"epoch", health.Epoch,
		"healthy", health.Healthy,
	)
	return nil
}

func (c *Client) publish(topic string, retained bool, data []byte) error {
	token := c.client.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the connection. It is idempotent;
// afterwards Connect returns ErrStopped.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
