package coap

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional Prometheus instrumentation an
// EndpointManager exposes. It mirrors the socket/connection counters
// runZeroInc-sockstats registers against a caller-supplied Registerer
// rather than the global default registry, so an embedding process can
// compose it with its own metrics namespace.
type Metrics struct {
	ActiveTransactions prometheus.Gauge
	Retransmits        prometheus.Counter
	ObserverCount      prometheus.Gauge
	BlockReassemblies  prometheus.Counter
	DedupHits          prometheus.Counter
}

// NewMetrics constructs and registers a Metrics against reg. Pass a
// fresh prometheus.NewRegistry() in tests to avoid collisions with
// other instances registered against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap",
			Name:      "active_transactions",
			Help:      "Number of outbound CON messages still pending in the message layer (awaiting an ACK, a reset or a separate response).",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "retransmits_total",
			Help:      "Total CON retransmissions sent.",
		}),
		ObserverCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap",
			Name:      "observers",
			Help:      "Number of live observer subscriptions across all resources.",
		}),
		BlockReassemblies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "block_reassemblies_total",
			Help:      "Total block-wise bodies fully reassembled.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap",
			Name:      "dedup_hits_total",
			Help:      "Total inbound messages recognised as retransmitted duplicates.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveTransactions, m.Retransmits, m.ObserverCount, m.BlockReassemblies, m.DedupHits)
	}
	return m
}
