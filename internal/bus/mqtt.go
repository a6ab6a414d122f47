package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNoHost is returned when Options has no broker host.
var ErrNoHost = errors.New("mqtt host not set")

// Options configures the broker connection.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string // a random id is generated when empty
}

// Handler receives a subscribed message on the client's network goroutine.
type Handler func(topic string, payload []byte)

// Client is a paho-backed Publisher that reconnects on its own and restores
// subscriptions after every reconnect.
type Client struct {
	client  mqtt.Client
	log     logrus.FieldLogger
	onError func(topic string, err error)

	mu        sync.RWMutex
	connected bool
	subs      map[string]Handler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithErrorHook is called for every publish that fails or times out.
func WithErrorHook(fn func(topic string, err error)) ClientOption {
	return func(c *Client) { c.onError = fn }
}

// Connect dials the broker. If the broker does not answer within the
// connect timeout the client keeps retrying in the background and Connect
// returns without error.
func Connect(ctx context.Context, o Options, log logrus.FieldLogger, opts ...ClientOption) (*Client, error) {
	if o.Host == "" {
		return nil, ErrNoHost
	}
	if o.Port == 0 {
		o.Port = 1883
	}
	if o.ClientID == "" {
		o.ClientID = "mailcam-" + uuid.NewString()[:8]
	}

	c := &Client{log: log.WithField("broker", fmt.Sprintf("%s:%d", o.Host, o.Port)), subs: map[string]Handler{}}
	for _, opt := range opts {
		opt(c)
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(fmt.Sprintf("tcp://%s:%d", o.Host, o.Port))
	mo.SetClientID(o.ClientID)
	if o.User != "" {
		mo.SetUsername(o.User)
		mo.SetPassword(o.Password)
	}
	mo.SetKeepAlive(60 * time.Second)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(2 * time.Second)
	mo.SetMaxReconnectInterval(30 * time.Second)
	mo.OnConnect = func(mqtt.Client) {
		c.setConnected(true)
		c.log.WithField("client_id", o.ClientID).Info("MQTT connected")
		go c.resubscribe()
	}
	mo.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.log.WithError(err).Warn("MQTT connection lost, reconnecting")
	}
	c.client = mqtt.NewClient(mo)

	c.log.Info("Connecting to MQTT broker")
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect: %w", err)
		}
	case <-time.After(connectTimeout):
		c.log.Warn("MQTT broker not reachable yet, retrying in background")
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, ctx.Err()
	}
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports the last known connection state.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends at QoS 0.
func (c *Client) Publish(topic string, payload []byte, retained bool) {
	c.PublishQoS(topic, 0, payload, retained)
}

// PublishQoS hands the message to paho and returns immediately. Delivery is
// confirmed on a separate goroutine; failures are logged and reported to the
// error hook.
func (c *Client) PublishQoS(topic string, qos byte, payload []byte, retained bool) {
	token := c.client.Publish(topic, qos, retained, payload)
	go func() {
		var err error
		select {
		case <-token.Done():
			err = token.Error()
		case <-time.After(publishTimeout):
			err = errors.New("publish timeout")
		}
		if err == nil {
			return
		}
		c.log.WithError(err).WithField("topic", topic).Warn("MQTT publish failed")
		if c.onError != nil {
			c.onError(topic, err)
		}
	}()
}

// Subscribe registers handler for topic and subscribes at QoS 0. The
// subscription is restored after reconnects.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	token := c.client.Subscribe(topic, 0, wrap(handler))
	if !token.WaitTimeout(connectTimeout) {
		c.log.WithField("topic", topic).Warn("Subscribe pending until connected")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.log.WithField("topic", topic).Info("Subscribed")
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.RUnlock()

	for topic, h := range subs {
		token := c.client.Subscribe(topic, 0, wrap(h))
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			c.log.WithError(token.Error()).WithField("topic", topic).Warn("Resubscribe failed")
		}
	}
}

func wrap(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	}
}

// Close disconnects with a short grace period.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.log.Info("MQTT disconnected")
	}
	c.setConnected(false)
}
