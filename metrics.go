package smbdfs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// clientMetrics holds the client's Prometheus collectors. A nil
// *clientMetrics records nothing.
type clientMetrics struct {
	creditWaits      prometheus.Counter
	creditTimeouts   prometheus.Counter
	creditWait       prometheus.Histogram
	transportEvents  *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	retries          *prometheus.CounterVec
	referralLookups  *prometheus.CounterVec
	referralQueries  *prometheus.CounterVec
	referralEntries  *prometheus.GaugeVec
	candidateFailure prometheus.Counter
}

// newClientMetrics registers the collectors with reg. It returns nil if reg
// is nil.
func newClientMetrics(reg prometheus.Registerer, namespace string) *clientMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &clientMetrics{
		creditWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_waits_total",
			Help:      "Number of requests that had to wait for send credits",
		}),
		creditTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_timeouts_total",
			Help:      "Number of credit waits that timed out",
		}),
		creditWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_wait_seconds",
			Help:      "Time spent waiting for send credits",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		transportEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Transport lifecycle events by kind and event",
		}, []string{"kind", "event"}), // connect, connect_failed, failure, idle, disconnect
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Server reconnection attempts by result",
		}, []string{"result"}), // success, failed, false_alarm
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Operation retries by class",
		}, []string{"class"}),
		referralLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_cache_lookups_total",
			Help:      "Referral cache lookups by result",
		}, []string{"result"}), // exact, partial, miss
		referralQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_queries_total",
			Help:      "Live referral queries by kind and result",
		}, []string{"kind", "result"}), // path|domain, ok|error
		referralEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "referral_cache_entries",
			Help:      "Entries currently held in the referral cache",
		}, []string{"cache"}), // path, domain
		candidateFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_candidate_failures_total",
			Help:      "Referral targets that failed to connect",
		}),
	}
}

func (m *clientMetrics) recordCreditWait(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.creditWaits.Inc()
	m.creditWait.Observe(d.Seconds())
	if timedOut {
		m.creditTimeouts.Inc()
	}
}

func (m *clientMetrics) recordTransport(kind TransportKind, event string) {
	if m == nil {
		return
	}
	m.transportEvents.WithLabelValues(string(kind), event).Inc()
}

func (m *clientMetrics) recordReconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *clientMetrics) recordRetry(class ErrorClass) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(class.String()).Inc()
}

func (m *clientMetrics) recordLookup(result string) {
	if m == nil {
		return
	}
	m.referralLookups.WithLabelValues(result).Inc()
}

func (m *clientMetrics) recordQuery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.referralQueries.WithLabelValues(kind, result).Inc()
}

func (m *clientMetrics) setCacheEntries(paths, domains int) {
	if m == nil {
		return
	}
	m.referralEntries.WithLabelValues("path").Set(float64(paths))
	m.referralEntries.WithLabelValues("domain").Set(float64(domains))
}

func (m *clientMetrics) recordCandidateFailure() {
	if m == nil {
		return
	}
	m.candidateFailure.Inc()
}
