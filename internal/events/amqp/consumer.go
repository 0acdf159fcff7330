package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"broadcast/internal/events"
)

type ConsumerSpec struct {
	Name       string
	Queue      string
	BindingKey string
	Prefetch   int
	Handle     func(ctx context.Context, env events.Envelope) error
}

// Consume runs the consumer until ctx is done, reconnecting with capped exponential
// backoff whenever the channel or connection drops.
func (c *Client) Consume(ctx context.Context, spec ConsumerSpec) error {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	capd := c.cfg.BackoffCap
	if capd <= 0 {
		capd = 30 * time.Second
	}

	backoff := base
	for {
		err := c.consumeOnce(ctx, spec)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("consumer stopped, restarting", "consumer", spec.Name, "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff*2 < capd {
			backoff *= 2
		} else {
			backoff = capd
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, spec ConsumerSpec) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.cfg.Prefetch
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Queue, err)
	}
	if err := ch.QueueBind(spec.Queue, spec.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", spec.Queue, err)
	}
	msgs, err := ch.Consume(spec.Queue, spec.Name, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", spec.Queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	slog.Info("consumer started", "consumer", spec.Name, "queue", spec.Queue, "binding", spec.BindingKey, "prefetch", prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("channel closed")
			}
			return aerr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.deliver(ctx, spec, d)
		}
	}
}

func (c *Client) deliver(ctx context.Context, spec ConsumerSpec, d amqp.Delivery) {
	err := handle(ctx, spec, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		slog.Warn("poison message dropped", "consumer", spec.Name, "message_id", d.MessageId, "err", err)
		_ = d.Ack(false)
	default:
		slog.Warn("handler failed, requeueing", "consumer", spec.Name, "message_id", d.MessageId, "err", err)
		delay := c.cfg.RequeueDelay
		if delay <= 0 {
			delay = time.Second
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		_ = d.Nack(false, true)
	}
}

func handle(ctx context.Context, spec ConsumerSpec, body []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return spec.Handle(ctx, env)
}
