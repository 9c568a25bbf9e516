package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/lucaslui/hems/roster-reconciler/internal/config"
	"github.com/lucaslui/hems/roster-reconciler/internal/session"
)

type subscription struct {
	qos     byte
	handler session.MessageHandler
}

// Client adapts a paho client to the session's Bus. Subscriptions are
// remembered and re-issued on every (re)connect.
type Client struct {
	client mqtt.Client
	logger zerolog.Logger
	grace  time.Duration

	mu        sync.Mutex
	subs      map[string]subscription
	onFatal   func(error)
	lostTimer *time.Timer
}

func BuildMQTTClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		logger: logger.With().Str("component", "mqtt").Logger(),
		grace:  cfg.MQTTReconnectGrace,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(cfg.MQTTClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(cfg.MQTTKeepAlive).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(false)

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}
	if cfg.TLSClientCert != "" || cfg.TLSCACert != "" {
		tlsCfg, err := NewTLSConfig(cfg.TLSCACert, cfg.TLSClientCert, cfg.TLSClientKey)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnect = c.handleConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { c.handleConnectionLost(err) }
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info().Msg("mqtt reconnecting")
	}

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// NewTLSConfig builds a mutual-TLS configuration from PEM files. The CA is
// optional; without it the system pool is used.
func NewTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsCfg.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// OnFatal registers the callback invoked when the connection is lost and not
// re-established within the reconnect grace period.
func (c *Client) OnFatal(fn func(error)) {
	c.mu.Lock()
	c.onFatal = fn
	c.mu.Unlock()
}

func (c *Client) handleConnect(client mqtt.Client) {
	c.mu.Lock()
	if c.lostTimer != nil {
		c.lostTimer.Stop()
		c.lostTimer = nil
	}
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	c.logger.Info().Int("subscriptions", len(subs)).Msg("connected to broker")

	for topic, s := range subs {
		if token := client.Subscribe(topic, s.qos, wrap(s.handler)); token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt resubscribe error")
		}
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.logger.Warn().Err(err).Dur("grace", c.grace).Msg("mqtt connection lost")
	if c.grace <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lostTimer != nil {
		return
	}
	c.lostTimer = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		fatal := c.onFatal
		c.lostTimer = nil
		c.mu.Unlock()

		c.logger.Error().Dur("grace", c.grace).Msg("mqtt connection not re-established")
		if fatal != nil {
			fatal(fmt.Errorf("%w: no reconnect within %s: %v", session.ErrBusLost, c.grace, err))
		}
	})
}

func wrap(h session.MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

func (c *Client) Subscribe(ctx context.Context, topics []string, qos byte, handler session.MessageHandler) error {
	filters := make(map[string]byte, len(topics))
	c.mu.Lock()
	for _, t := range topics {
		c.subs[t] = subscription{qos: qos, handler: handler}
		filters[t] = qos
	}
	c.mu.Unlock()

	if err := waitToken(ctx, c.client.SubscribeMultiple(filters, wrap(handler))); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	c.logger.Info().Strs("topics", topics).Uint8("qos", qos).Msg("subscribed")
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := waitToken(ctx, c.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("mqtt unsubscribe: %w", err)
	}
	return nil
}

// Publish waits for the broker acknowledgment matching the QoS level.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := waitToken(ctx, c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.lostTimer != nil {
		c.lostTimer.Stop()
		c.lostTimer = nil
	}
	c.mu.Unlock()
	c.client.Disconnect(250)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errConnectCancelled = errors.New("context cancelled before mqtt connect")

// ConnectWithBackoff owns the initial connection attempts; paho's own retry
// only takes over for reconnects once a connection has been established.
func (c *Client) ConnectWithBackoff(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		err := waitToken(ctx, c.client.Connect())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errConnectCancelled
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("mqtt connect error")
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
				if backoff > max {
					backoff = max
				}
			}
		case <-ctx.Done():
			return errConnectCancelled
		}
	}
}
