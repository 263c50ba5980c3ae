package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the reconciliation collectors.
type Metrics struct {
	PollTotal      *prometheus.CounterVec // status inquiries by outcome
	UpstreamCalls  *prometheus.CounterVec // RPC calls by method and result
	ParseSlotsBusy prometheus.Gauge       // full-transaction parses in flight
	PaidTotal      *prometheus.CounterVec // PENDING -> PAID transitions by source
	TransferEvents *prometheus.CounterVec // pushed transfer events by source and result
	OrdersCreated  prometheus.Counter
}

// New registers the collectors on reg. A nil reg leaves them unregistered,
// which keeps tests free of duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charon_poll_total",
				Help: "Status polls by reconciliation outcome",
			},
			[]string{"outcome"},
		),
		UpstreamCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charon_upstream_calls_total",
				Help: "Chain RPC calls issued by the reconciler",
			},
			[]string{"method", "result"}, // result: ok/rate_limited/error/empty
		),
		ParseSlotsBusy: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "charon_parse_slots_busy",
				Help: "Full transaction parses currently in flight",
			},
		),
		PaidTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charon_orders_paid_total",
				Help: "Orders transitioned to PAID",
			},
			[]string{"source"},
		),
		TransferEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charon_transfer_events_total",
				Help: "Pushed transfer events by source and match result",
			},
			[]string{"source", "result"}, // result: matched/duplicate/unmatched/unsigned
		),
		OrdersCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "charon_orders_created_total",
				Help: "Payment intents created",
			},
		),
	}
}
