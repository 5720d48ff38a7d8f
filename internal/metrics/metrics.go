// Package metrics exposes the hub's Prometheus metrics and a bridge that
// feeds them from the event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentdispatch/admp-hub/internal/events"
)

var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_messages_total",
		Help: "Total number of message lifecycle transitions by outcome.",
	}, []string{"outcome"})
	InboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admp_inbox_messages",
		Help: "Stored messages by lifecycle status.",
	}, []string{"status"})
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_agents_registered",
		Help: "Number of registered agents.",
	})
	GroupsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_groups_total",
		Help: "Number of groups, backing groups included.",
	})
	RoundTablesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_round_tables_total",
		Help: "Number of round-table sessions in any state.",
	})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_webhook_deliveries_total",
		Help: "Webhook delivery attempts that reached a terminal outcome.",
	}, []string{"outcome"})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_sweeps_total",
		Help: "Total number of sweep cycles completed.",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admp_sweep_duration_seconds",
		Help:    "Duration of sweep cycles.",
		Buckets: prometheus.DefBuckets,
	})
	SweepReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_sweep_reclaimed_total",
		Help: "Records touched per sweep pass.",
	}, []string{"pass"})
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_http_requests_total",
		Help: "HTTP requests by route pattern and status code.",
	}, []string{"route", "code"})
	HTTPDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admp_http_request_duration_seconds",
		Help:    "HTTP request handling duration.",
		Buckets: prometheus.DefBuckets,
	})
)

// outcomes maps bus events onto the message lifecycle counter.
var outcomes = map[events.EventType]string{
	events.EventMessageQueued:   "queued",
	events.EventMessageLeased:   "leased",
	events.EventMessageAcked:    "acked",
	events.EventMessageRequeued: "requeued",
	events.EventMessagePurged:   "purged",
	events.EventMessageExpired:  "expired",
}

// Observe consumes bus events and updates counters until ctx is cancelled.
// Run it once, from the process entry point.
func Observe(ctx context.Context, bus *events.Bus) {
	sub, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			record(ev)
		case <-ctx.Done():
			return
		}
	}
}

func record(ev events.Event) {
	if outcome, ok := outcomes[ev.Type]; ok {
		MessagesTotal.WithLabelValues(outcome).Inc()
		return
	}
	switch ev.Type {
	case events.EventWebhookDelivered:
		WebhookDeliveries.WithLabelValues("delivered").Inc()
	case events.EventWebhookFailed:
		WebhookDeliveries.WithLabelValues("failed").Inc()
	case events.EventSweepCompleted:
		SweepsTotal.Inc()
	}
}
