// Package mqtt publishes admitted samples, watchdog warnings and counter
// summaries to an MQTT broker
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/covmon/covmon/pkg"
	"github.com/covmon/covmon/pkg/logx"
)

// Topic suffixes under the configured prefix
const (
	TopicCoverage = "coverage"
	TopicHealth   = "health"
	TopicStatus   = "status"
)

// Client provides MQTT publishing for covmond
type Client struct {
	logger *logx.Logger
	config *Config

	// newClient builds the paho client; replaced in tests
	newClient func(*MQTT.ClientOptions) MQTT.Client

	mu          sync.RWMutex
	client      MQTT.Client
	connected   bool
	lastPublish time.Time
}

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	TopicPrefix    string        `json:"topic_prefix"`
	QoS            int           `json:"qos"`
	Retain         bool          `json:"retain"`
	Enabled        bool          `json:"enabled"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "covmond",
		TopicPrefix:    "covmon",
		QoS:            1,
		Retain:         false,
		Enabled:        false,
		PublishTimeout: 5 * time.Second,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &Client{
		logger:    logger,
		config:    config,
		newClient: MQTT.NewClient,
	}
}

// Topic returns the full topic for a suffix
func (c *Client) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := c.newClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(c.config.PublishTimeout) {
		// SetConnectRetry keeps trying in the background
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	client, connected := c.client, c.connected
	c.connected = false
	c.mu.Unlock()

	if client != nil && connected {
		client.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", "error", err)
}

// PublishSample publishes an admitted sample as its persistence row
func (c *Client) PublishSample(sample pkg.FusedSample) error {
	if !c.ready() {
		return nil
	}

	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"sample":    sample.Record(),
	}
	return c.publishJSON(c.Topic(TopicCoverage), payload)
}

// PublishWarning publishes a watchdog event
func (c *Client) PublishWarning(event pkg.WarningEvent) error {
	if !c.ready() {
		return nil
	}
	return c.publishJSON(c.Topic(TopicHealth), event)
}

// PublishStatus publishes the counter summary
func (c *Client) PublishStatus(counters map[string]int64) error {
	if !c.ready() {
		return nil
	}

	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"counters":  counters,
	}
	return c.publishJSON(c.Topic(TopicStatus), payload)
}

// Forward publishes everything received on the channels until ctx is done
// or both channels are closed
func (c *Client) Forward(ctx context.Context, samples <-chan pkg.FusedSample, warnings <-chan pkg.WarningEvent) {
	for samples != nil || warnings != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if err := c.PublishSample(s); err != nil {
				c.logger.Warn("failed to publish sample", "error", err)
			}
		case ev, ok := <-warnings:
			if !ok {
				warnings = nil
				continue
			}
			if err := c.PublishWarning(ev); err != nil {
				c.logger.Warn("failed to publish warning", "error", err)
			}
		}
	}
}

func (c *Client) ready() bool {
	if !c.config.Enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	token := client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPublish
}
