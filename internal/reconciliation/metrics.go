package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "drift_minor_units",
		Help:      "Provider balance minus ledger total from the last run, per account.",
	}, []string{"account"})

	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Number of accounts over the drift threshold in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDrift,
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
