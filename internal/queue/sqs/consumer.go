package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Handler func(ctx context.Context, ev WebhookEvent) error

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes events with a worker pool. A message is deleted only after
// the handler succeeds; failures are left for SQS redrive / DLQ.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	msgs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := c.receive(ctx, msgs)
	close(msgs)
	// let workers finish what was already received
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, msgs chan<- types.Message) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs receive webhook message failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range out.Messages {
			select {
			case msgs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	var ev WebhookEvent
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &ev) != nil {
		// poison: delete so it does not loop forever
		slog.Warn("sqs dropping undecodable webhook event", "message_id", deref(m.MessageId))
		c.delete(m)
		return
	}
	if err := handler(ctx, ev); err != nil {
		slog.Error("sqs webhook handler error", "err", err, "kind", ev.Kind, "provider_msg_id", ev.ID())
		return
	}
	c.delete(m)
}

func (c *Consumer) delete(m types.Message) {
	// detached so a shutdown does not strand processed messages
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Error("sqs delete message failed", "err", err, "message_id", deref(m.MessageId))
	}
}
