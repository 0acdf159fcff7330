// Package amqp publishes and consumes side-effect events on a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"broadcast/internal/events"
)

type Config struct {
	URL          string
	Exchange     string
	Prefetch     int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	RequeueDelay time.Duration
	DialTimeout  time.Duration
}

type Client struct {
	cfg Config

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// ErrPoison marks a delivery that can never succeed (e.g. undecodable); it is acked and dropped.
var ErrPoison = errors.New("poison message")

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "broadcast.events"
	}
	c := &Client{cfg: cfg}
	if _, err := c.connection(); err != nil {
		return nil, err
	}
	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	slog.Info("amqp connected", "host", host, "exchange", cfg.Exchange)
	return c, nil
}

// connection returns a live connection, redialing and redeclaring the exchange if needed.
func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionLocked()
}

func (c *Client) connectionLocked() (*amqp.Connection, error) {
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	timeout := c.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	c.conn = conn
	c.pubCh = nil
	return conn, nil
}

// Publish sends the envelope with its type as routing key.
func (c *Client) Publish(ctx context.Context, env events.Envelope) error {
	if env.Meta.ID == "" {
		return errors.New("envelope meta id is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.connectionLocked()
	if err != nil {
		return err
	}
	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		c.pubCh = ch
	}
	return c.pubCh.PublishWithContext(ctx, c.cfg.Exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
	})
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

var _ events.Publisher = (*Client)(nil)
