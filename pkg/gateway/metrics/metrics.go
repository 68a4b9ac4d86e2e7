// Package metrics exposes Prometheus instrumentation for the realtime relay.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquisition sources.
const (
	SourcePool     = "pool"
	SourceFallback = "fallback"
)

// Forwarding directions.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// Pool metrics
	PoolSize         prometheus.Gauge
	PoolRefills      *prometheus.CounterVec
	IssueErrors      *prometheus.CounterVec
	Acquisitions     *prometheus.CounterVec
	IssueDuration    prometheus.Histogram
	CredentialsEvict prometheus.Counter

	// Bridge metrics
	BridgesActive   prometheus.Gauge
	BridgesTotal    *prometheus.CounterVec
	BridgeDuration  prometheus.Histogram
	WarmingDuration prometheus.Histogram
	FramesForwarded *prometheus.CounterVec
	KeepalivesSent  prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "realtime_relay"
	}

	registry := prometheus.NewRegistry()

	poolSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_size",
		Help:      "Number of pre-issued credentials resident in the pool",
	})

	poolRefills := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_refills_total",
			Help:      "Refill cycles by outcome",
		},
		[]string{"outcome"},
	)

	issueErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_issue_errors_total",
			Help:      "Credential issuance failures by path",
		},
		[]string{"path"},
	)

	acquisitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_acquisitions_total",
			Help:      "Credentials handed to bridges by source",
		},
		[]string{"source"},
	)

	issueDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "credential_issue_duration_seconds",
		Help:      "Latency of upstream credential issuance",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	credentialsEvict := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credentials_evicted_total",
		Help:      "Pooled credentials dropped for nearing expiry",
	})

	bridgesActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bridges_active",
		Help:      "Number of open client connections",
	})

	bridgesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Finished bridges by close reason",
		},
		[]string{"reason"},
	)

	bridgeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bridge_duration_seconds",
		Help:      "Lifetime of a bridge from accept to close",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	warmingDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bridge_warming_duration_seconds",
		Help:      "Time from accept until the upstream connection opened",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	framesForwarded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames relayed between client and upstream",
		},
		[]string{"direction"},
	)

	keepalivesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalives_sent_total",
		Help:      "Keepalive frames written to clients while warming",
	})

	registry.MustRegister(
		poolSize,
		poolRefills,
		issueErrors,
		acquisitions,
		issueDuration,
		credentialsEvict,
		bridgesActive,
		bridgesTotal,
		bridgeDuration,
		warmingDuration,
		framesForwarded,
		keepalivesSent,
	)

	return &Metrics{
		registry:         registry,
		PoolSize:         poolSize,
		PoolRefills:      poolRefills,
		IssueErrors:      issueErrors,
		Acquisitions:     acquisitions,
		IssueDuration:    issueDuration,
		CredentialsEvict: credentialsEvict,
		BridgesActive:    bridgesActive,
		BridgesTotal:     bridgesTotal,
		BridgeDuration:   bridgeDuration,
		WarmingDuration:  warmingDuration,
		FramesForwarded:  framesForwarded,
		KeepalivesSent:   keepalivesSent,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.PoolSize.Set(float64(n))
}

// RecordRefill records a finished refill cycle. outcome is "filled",
// "partial" or "noop".
func (m *Metrics) RecordRefill(outcome string) {
	if m == nil {
		return
	}
	m.PoolRefills.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordIssue(path string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.IssueDuration.Observe(d.Seconds())
	if err != nil {
		m.IssueErrors.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) RecordAcquire(source string) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CredentialsEvict.Add(float64(n))
}

func (m *Metrics) RecordBridgeStart() {
	if m == nil {
		return
	}
	m.BridgesActive.Inc()
}

func (m *Metrics) RecordBridgeEnd(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.BridgesActive.Dec()
	m.BridgesTotal.WithLabelValues(reason).Inc()
	m.BridgeDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordWarming(d time.Duration) {
	if m == nil {
		return
	}
	m.WarmingDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordFrame(direction string) {
	if m == nil {
		return
	}
	m.FramesForwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordKeepalive() {
	if m == nil {
		return
	}
	m.KeepalivesSent.Inc()
}
