package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	sqsqueue "broadcast/internal/queue/sqs"
	"broadcast/internal/util"
)

type EventQueue interface {
	Enqueue(ctx context.Context, evs []sqsqueue.WebhookEvent) error
}

// Webhook is the provider-facing edge. It acknowledges every well-signed
// delivery and leaves processing to the webhook-processor.
type Webhook struct {
	Queue        EventQueue
	VerifyToken  string
	AppSecret    string
	QueueTimeout time.Duration
	Now          func() time.Time
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/whatsapp", wh.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/v1/webhooks/whatsapp", wh.handleEvents).Methods(http.MethodPost)
}

func (wh *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := firstParam(q.Get("hub.mode"), q.Get("mode"))
	token := firstParam(q.Get("hub.verify_token"), q.Get("verify_token"))
	challenge := firstParam(q.Get("hub.challenge"), q.Get("challenge"))

	if !whatsapp.VerifyChallenge(mode, token, wh.VerifyToken) {
		slog.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (wh *Webhook) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		slog.Warn("webhook body read failed", "err", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if wh.AppSecret != "" && !whatsapp.VerifySignature(wh.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		observability.WebhookEvents.WithLabelValues("payload", "bad_signature").Inc()
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.WebhookEvents.WithLabelValues("payload", "invalid").Inc()
		slog.Warn("webhook payload undecodable", "err", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	now := util.NowUTC()
	if wh.Now != nil {
		now = wh.Now()
	}
	evs := sqsqueue.EventsFromPayload(payload, now)
	if len(evs) > 0 {
		timeout := wh.QueueTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
		defer cancel()
		if err := wh.Queue.Enqueue(ctx, evs); err != nil {
			observability.WebhookEvents.WithLabelValues("payload", "enqueue_error").Inc()
			slog.Error("webhook hand-off failed", "events", len(evs), "err", err)
		} else {
			observability.WebhookEvents.WithLabelValues("payload", "accepted").Inc()
		}
	}
	w.WriteHeader(http.StatusOK)
}

func firstParam(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
