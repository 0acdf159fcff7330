// Package sqsqueue hands webhook events from the edge to the processor over SQS.
package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the subset of *sqs.Client used here.
type API interface {
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// maxBatch is the SQS SendMessageBatch limit.
const maxBatch = 10

type Producer struct {
	SQS      API
	QueueURL string
}

// Enqueue sends events in batches of ten. Entries SQS rejects are reported in the
// returned error; the rest are still sent.
func (p *Producer) Enqueue(ctx context.Context, evs []WebhookEvent) error {
	var errs []error
	for start := 0; start < len(evs); start += maxBatch {
		end := start + maxBatch
		if end > len(evs) {
			end = len(evs)
		}
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, ev := range evs[start:end] {
			body, err := json.Marshal(ev)
			if err != nil {
				errs = append(errs, fmt.Errorf("marshal event %s: %w", ev.ID(), err))
				continue
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:          str(strconv.Itoa(i)),
				MessageBody: str(string(body)),
			})
		}
		if len(entries) == 0 {
			continue
		}
		out, err := p.SQS.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: &p.QueueURL,
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("send batch: %w", err))
			continue
		}
		for _, f := range out.Failed {
			errs = append(errs, fmt.Errorf("entry %s rejected: %s", deref(f.Id), deref(f.Message)))
		}
	}
	return errors.Join(errs...)
}

func str(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
