package sidefx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"broadcast/internal/events"
	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/observability"
)

// CRMForwarder mirrors every conversational event to an external CRM endpoint.
type CRMForwarder struct {
	URL     string
	Token   string
	HTTP    *http.Client
	Breaker *gobreaker.CircuitBreaker
}

// statusError is a non-2xx reply from the CRM.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("crm: http %d: %s", e.Code, e.Body)
}

func NewCRMBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "crm",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || (errors.As(err, &se) && se.Code < 500)
		},
	})
}

// Handle is an amqp handler. Rejected payloads are dropped; outages are requeued.
func (f *CRMForwarder) Handle(ctx context.Context, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", eventsamqp.ErrPoison, err)
	}

	call := func() (any, error) { return nil, f.post(ctx, env, body) }
	if f.Breaker != nil {
		_, err = f.Breaker.Execute(call)
	} else {
		_, err = call()
	}

	var se *statusError
	switch {
	case err == nil:
		observability.SideEffects.WithLabelValues("crm", "ok").Inc()
		return nil
	case errors.As(err, &se) && se.Code < 500:
		observability.SideEffects.WithLabelValues("crm", "rejected").Inc()
		return fmt.Errorf("%w: %v", eventsamqp.ErrPoison, err)
	default:
		observability.SideEffects.WithLabelValues("crm", "error").Inc()
		return err
	}
}

func (f *CRMForwarder) post(ctx context.Context, env events.Envelope, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", env.Meta.ID)
	req.Header.Set("X-Event-Type", env.Meta.Type)
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	hc := f.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{Code: resp.StatusCode, Body: string(b)}
}
