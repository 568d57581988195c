package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outofforest/specdec/cache"
	"github.com/outofforest/specdec/verify"
)

const namespace = "specdec"

// Fallback reasons.
const (
	ReasonShapeMismatch       = "shape_mismatch"
	ReasonIndexOutOfRange     = "index_out_of_range"
	ReasonAllocationExhausted = "allocation_exhausted"
	ReasonTarget              = "target"
	ReasonOther               = "other"
)

// New creates collectors and registers them in registerer. Nil registerer leaves them unregistered.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_steps_total",
			Help:      "Number of verified draft trees",
		}),
		ProposedTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposed_tokens_total",
			Help:      "Number of tokens on verified branches",
		}),
		AcceptedTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_tokens_total",
			Help:      "Number of accepted draft tokens",
		}),
		BonusTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonus_tokens_total",
			Help:      "Number of tokens drawn from the target or residual distribution",
		}),
		Fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Number of sequences decoded without speculation by reason",
		}, []string{"reason"}),
		AcceptedLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accepted_length",
			Help:      "Number of accepted draft tokens per step",
			Buckets:   prometheus.LinearBuckets(0, 1, 9),
		}),
		FreePages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_pages",
			Help:      "Number of free KV cache pages",
		}),
		CachedPages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_pages",
			Help:      "Number of KV cache pages addressable by content hash",
		}),
	}
}

// Metrics are the collectors of the decoder.
type Metrics struct {
	Steps          prometheus.Counter
	ProposedTokens prometheus.Counter
	AcceptedTokens prometheus.Counter
	BonusTokens    prometheus.Counter
	Fallbacks      *prometheus.CounterVec
	AcceptedLength prometheus.Histogram
	FreePages      prometheus.Gauge
	CachedPages    prometheus.Gauge
}

// ObserveRecord accounts verification record.
func (m *Metrics) ObserveRecord(record verify.AcceptanceRecord) {
	m.Steps.Inc()
	m.ProposedTokens.Add(float64(record.Proposed))
	m.AcceptedTokens.Add(float64(len(record.AcceptedNodes)))
	if record.HasBonus {
		m.BonusTokens.Inc()
	}
	m.AcceptedLength.Observe(float64(len(record.AcceptedNodes)))
}

// ObserveFallback accounts sequence decoded without speculation.
func (m *Metrics) ObserveFallback(reason string) {
	m.Fallbacks.WithLabelValues(reason).Inc()
}

// ObserveCache sets cache gauges.
func (m *Metrics) ObserveCache(stats cache.Stats) {
	m.FreePages.Set(float64(stats.FreePages))
	m.CachedPages.Set(float64(stats.CachedPages))
}
