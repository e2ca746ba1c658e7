// Package mqtt implements the broker source client (C1): a manually
// managed paho connection that subscribes to a fixed topic set and
// deposits inbound payloads into a queue.Map-shaped sink.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
)

// reconnectDelay is the fixed pause between connect attempts, used both
// on startup failure and on detected connection loss.
const reconnectDelay = 2 * time.Second

// Sink receives dispatched payloads; queue.Map satisfies this.
type Sink interface {
	Put(topic string, payload []byte) bool
}

// Config describes how to reach the broker and what to subscribe to.
type Config struct {
	Broker       string // e.g. "tcp://host:1883"
	Username     string
	Password     string
	ClientID     string
	CleanSession bool
	KeepAlive    time.Duration
	Topics       []string
	QoS          byte
}

// Client owns one broker connection and its reconnect loop.
type Client struct {
	cfg  Config
	sink Sink
	log  zerolog.Logger

	mu     sync.RWMutex
	client MQTT.Client

	connected atomic.Bool
	runCtx    context.Context
}

// New builds a Client. Connection happens in Run.
func New(cfg Config, sink Sink, log zerolog.Logger) *Client {
	return &Client{cfg: cfg, sink: sink, log: log}
}

// Connected reports the current connection state for health checks.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects (retrying every 2 seconds on failure) and subscribes to
// every configured topic, then blocks until ctx is canceled.
// Unsolicited disconnects are handled out-of-band by onConnectionLost,
// which reuses the same reconnect helper.
func (c *Client) Run(ctx context.Context) error {
	c.runCtx = ctx
	c.reconnect(ctx)
	<-ctx.Done()
	c.disconnect()
	return ctx.Err()
}

// reconnect closes any existing connection, then loops attempting to
// connect and subscribe until it succeeds or ctx is canceled. It is the
// single helper spec requires for both startup failure and
// detected-loss recovery.
func (c *Client) reconnect(ctx context.Context) {
	c.disconnect()
	for {
		if err := c.connect(); err == nil {
			return
		} else {
			c.log.Error().Err(err).Msg("mqtt connect failed, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.ClientID != "" {
		opts.SetClientID(c.cfg.ClientID)
	}
	opts.SetCleanSession(c.cfg.CleanSession)
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}
	// Auto-reconnect is intentionally disabled: the supervising loop
	// owns retries so the fixed 2-second backoff and logging stay
	// explicit rather than delegated to the library's own policy.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessage)

	client := MQTT.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		c.connected.Store(false)
		c.log.Error().Err(err).Str("reason", reasonForConnectError(err)).Msg("mqtt connect failed")
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info().Str("broker", c.cfg.Broker).Msg("connected to broker")

	if err := c.subscribeAll(client); err != nil {
		c.connected.Store(false)
		return err
	}
	return nil
}

func (c *Client) subscribeAll(client MQTT.Client) error {
	for _, topic := range c.cfg.Topics {
		token := client.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
			return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
		}
		c.log.Info().Str("topic", topic).Uint8("qos", c.cfg.QoS).Msg("subscribed")
	}
	return nil
}

// onConnectionLost runs on any unsolicited disconnect; it logs and
// kicks off the same reconnect helper used at startup.
func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	c.connected.Store(false)
	c.log.Error().Err(err).Msg("unsolicited disconnect from broker")
	if c.runCtx != nil {
		go c.reconnect(c.runCtx)
	}
}

// onMessage dispatches an inbound payload to the sink. A payload
// arriving on a topic the sink doesn't recognize is logged and dropped,
// never fatal.
func (c *Client) onMessage(_ MQTT.Client, msg MQTT.Message) {
	if ok := c.sink.Put(msg.Topic(), msg.Payload()); !ok {
		c.log.Error().Str("topic", msg.Topic()).Msg("dropping payload for unconfigured topic")
	}
}

func (c *Client) disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	c.connected.Store(false)
}

// reasonForConnectError maps a CONNACK rejection to its human-readable
// phrase for the connect-failure log line. On a CONNACK rejection,
// paho.mqtt.golang's connect token returns one of its own
// packets.ConnErrors sentinel values directly as the error; matching
// against that table recovers the original reason code so reasonPhrase
// can render it. Errors that never reached CONNACK (DNS failures,
// refused TCP connections) don't match any sentinel and fall back to
// their own message.
func reasonForConnectError(err error) string {
	for code, sentinel := range packets.ConnErrors {
		if sentinel != nil && errors.Is(err, sentinel) {
			return reasonPhrase(code)
		}
	}
	return err.Error()
}

// reasonPhrase maps the MQTT 3.1.1 CONNACK return codes to the log
// phrase an operator should see.
func reasonPhrase(code byte) string {
	switch code {
	case 0:
		return "connection accepted"
	case 1:
		return "connection refused: unacceptable protocol version"
	case 2:
		return "connection refused: identifier rejected"
	case 3:
		return "connection refused: server unavailable"
	case 4:
		return "connection refused: bad username or password"
	case 5:
		return "connection refused: not authorized"
	default:
		return "connection refused: unknown reason"
	}
}
