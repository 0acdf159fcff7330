package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_enqueue_recipients_total", Help: "Recipients handled by the enqueuer"},
		[]string{"result"},
	)
	DispatchJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_dispatch_jobs_total", Help: "Dispatch job outcomes"},
		[]string{"result"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "broadcast_dispatch_job_seconds", Help: "Dispatch job duration"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_send_total", Help: "WhatsApp send outcomes"},
		[]string{"kind", "result"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "whatsapp_send_latency_seconds", Help: "WhatsApp send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_webhook_events_total", Help: "Webhook events"},
		[]string{"kind", "result"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_events_total", Help: "Domain events handed to the bus"},
		[]string{"type", "result"},
	)
	SideEffects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_sidefx_total", Help: "Side-effect subscriber outcomes"},
		[]string{"subscriber", "result"},
	)
	CriticalStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_critical_stops_total", Help: "Campaigns halted by a critical provider error"},
		[]string{"kind"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueued, DispatchJobs, DispatchLatency, ProviderSend, ProviderLatency,
		WebhookEvents, EventsPublished, SideEffects, CriticalStops)
}
