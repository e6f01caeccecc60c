// Package metrics exposes Prometheus counters for issuance, verification and
// ledger submissions.
package metrics

import (
	"time"

	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "certoil"

// Issuance outcomes.
const (
	OutcomeIssued                 = "issued"
	OutcomeRejected               = "rejected"
	OutcomeFailed                 = "failed"
	OutcomeReconciliationRequired = "reconciliation_required"
)

// Verification results.
const (
	ResultMatch    = "match"
	ResultMismatch = "mismatch"
	ResultNotFound = "not_found"
)

type Metrics struct {
	issuances         *prometheus.CounterVec
	issuanceDuration  prometheus.Histogram
	verifications     *prometheus.CounterVec
	ledgerSubmissions *prometheus.CounterVec
}

// New builds the collectors and registers them with registry. A nil
// registry leaves them unregistered.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		issuances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuances_total",
			Help:      "Total number of certification issuances by outcome",
		}, []string{"outcome"}),
		issuanceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuance_duration_seconds",
			Help:      "Duration of certification issuances",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of document verifications by result",
		}, []string{"result"}),
		ledgerSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Total number of ledger submissions by operation and result",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) ObserveIssuance(outcome string, elapsed time.Duration) {
	m.issuances.WithLabelValues(outcome).Inc()
	m.issuanceDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveVerification(result string) {
	m.verifications.WithLabelValues(result).Inc()
}

// ObserveSubmission implements ledger.Observer.
func (m *Metrics) ObserveSubmission(op ledger.OpKind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerSubmissions.WithLabelValues(string(op), result).Inc()
}
