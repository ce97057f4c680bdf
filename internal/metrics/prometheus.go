package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all pf control-plane metrics.
type Registry struct {
	// Control channel
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	// Transactions
	Transactions *prometheus.CounterVec
	StagedRules  *prometheus.CounterVec
	Anchors      *prometheus.CounterVec

	// State table
	States          *prometheus.GaugeVec
	StatesTotal     prometheus.Gauge
	DecodeErrors    prometheus.Gauge
	Snapshots       prometheus.Counter
	LastSnapshot    prometheus.Gauge
	StateBytesTotal *prometheus.GaugeVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_requests_total",
		Help: "Requests issued on the pf control channel",
	}, []string{"kind", "result"})

	r.RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pf_request_duration_seconds",
		Help:    "pf control channel request latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"kind"})

	r.Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_transactions_total",
		Help: "Ruleset transactions by outcome",
	}, []string{"ruleset", "outcome"})

	r.StagedRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_staged_rules_total",
		Help: "Rules staged into transactions",
	}, []string{"ruleset"})

	r.Anchors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pf_anchor_adds_total",
		Help: "Anchor creation attempts by result",
	}, []string{"ruleset", "result"})

	r.States = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pf_states",
		Help: "Tracked states in the last snapshot",
	}, []string{"protocol"})

	r.StatesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_states_total",
		Help: "Total tracked states in the last snapshot",
	})

	r.DecodeErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_state_decode_errors",
		Help: "State records that failed to decode in the last snapshot",
	})

	r.Snapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pf_state_snapshots_total",
		Help: "State table snapshots taken",
	})

	r.LastSnapshot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pf_state_last_snapshot_timestamp",
		Help: "Unix timestamp of the last state snapshot",
	})

	r.StateBytesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pf_state_bytes",
		Help: "Bytes carried by tracked states in the last snapshot",
	}, []string{"protocol"})

	return r
}

// RecordRequest records one control channel request.
func (r *Registry) RecordRequest(kind string, err error, seconds float64) {
	r.Requests.WithLabelValues(kind, result(err)).Inc()
	r.RequestLatency.WithLabelValues(kind).Observe(seconds)
}

// RecordTransaction records a finished transaction and its staged rule count.
func (r *Registry) RecordTransaction(ruleset, outcome string, staged int) {
	r.Transactions.WithLabelValues(ruleset, outcome).Inc()
	if staged > 0 {
		r.StagedRules.WithLabelValues(ruleset).Add(float64(staged))
	}
}

// RecordAnchor records an anchor creation attempt. existed marks the
// idempotent case.
func (r *Registry) RecordAnchor(ruleset string, existed bool, err error) {
	res := result(err)
	if err == nil && existed {
		res = "exists"
	}
	r.Anchors.WithLabelValues(ruleset, res).Inc()
}

// UpdateStates publishes a state table summary.
func (r *Registry) UpdateStates(s StateStats) {
	r.States.Reset()
	r.StateBytesTotal.Reset()
	for proto, n := range s.ByProtocol {
		r.States.WithLabelValues(proto).Set(float64(n))
	}
	for proto, n := range s.BytesByProtocol {
		r.StateBytesTotal.WithLabelValues(proto).Set(float64(n))
	}
	r.StatesTotal.Set(float64(s.Total))
	r.DecodeErrors.Set(float64(s.DecodeErrors))
	r.Snapshots.Inc()
	if !s.Taken.IsZero() {
		r.LastSnapshot.Set(float64(s.Taken.Unix()))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
