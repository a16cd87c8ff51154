package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events received, by event type and outcome",
		},
		[]string{"type", "outcome"},
	)

	signatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paycore",
			Subsystem: "webhook",
			Name:      "signature_failures_total",
			Help:      "Webhook deliveries rejected for bad signatures",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, signatureFailures)
}
