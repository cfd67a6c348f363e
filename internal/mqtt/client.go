// Package mqtt mirrors accessory state to an MQTT broker.
package mqtt

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	qos               = 1

	statusOnline  = "online"
	statusOffline = "offline"
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Config configures the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Publisher publishes messages to a broker.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Close()
}

// Client is a Publisher backed by paho.
type Client struct {
	client pahomqtt.Client
	logger *zap.Logger
}

// Connect connects to the broker with auto-reconnect and a retained
// offline last will on the bridge status topic.
func Connect(cfg Config, logger *zap.Logger) (*Client, error) {
	logger = logger.Named("mqtt")

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(cfg.Prefix), statusOffline, qos, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("Lost connection to MQTT broker", zap.Error(err))
	})

	c := &Client{client: pahomqtt.NewClient(opts), logger: logger}
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

// Publish sends payload and waits for the broker acknowledgment.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(disconnectQuiesce)
}
