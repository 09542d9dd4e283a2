package datapath

import (
	"github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats collects socket-level counters for a Datapath, combining a
// Prometheus-compatible registry (docker/go-metrics, matching the
// teacher's metrics story) with the finer-grained socket gauges a QUIC
// datapath needs (buffer occupancy, ECN counts, batch sizes) in the style
// of a sockstats-style exporter.
type Stats struct {
	ns metrics.Namespace

	DatagramsSent     metrics.Counter
	DatagramsReceived metrics.Counter
	BytesSent         metrics.Counter
	BytesReceived     metrics.Counter
	SendErrors        metrics.LabeledCounter

	BatchSize prometheus.Histogram
	ECNCounts *prometheus.CounterVec
}

// NewStats creates a Stats collector registered under the "quiclb"
// namespace, mirroring distribution-distribution's use of
// docker/go-metrics for registry-wide counters.
func NewStats() *Stats {
	ns := metrics.NewNamespace("quiclb", "datapath", nil)
	s := &Stats{
		ns:                ns,
		DatagramsSent:     ns.NewCounter("datagrams_sent", "UDP datagrams sent"),
		DatagramsReceived: ns.NewCounter("datagrams_received", "UDP datagrams received"),
		BytesSent:         ns.NewCounter("bytes_sent", "UDP payload bytes sent"),
		BytesReceived:     ns.NewCounter("bytes_received", "UDP payload bytes received"),
		SendErrors:        ns.NewLabeledCounter("send_errors", "UDP send failures by kind", "kind"),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quiclb",
			Subsystem: "datapath",
			Name:      "send_batch_size",
			Help:      "Number of datagrams per submitted send context.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		ECNCounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quiclb",
			Subsystem: "datapath",
			Name:      "ecn_total",
			Help:      "Datagrams received by ECN codepoint.",
		}, []string{"codepoint"}),
	}
	metrics.Register(ns)
	prometheus.MustRegister(s.BatchSize, s.ECNCounts)
	return s
}

// recordSend updates counters for a submitted send context.
func (s *Stats) recordSend(n int, bytes int, errKind SendError) {
	s.DatagramsSent.Add(float64(n))
	s.BytesSent.Add(float64(bytes))
	s.BatchSize.Observe(float64(n))
	if errKind != SendOK {
		s.SendErrors.WithValues(errKind.Error()).Inc()
	}
}

// recordRecv updates counters for a delivered receive chain.
func (s *Stats) recordRecv(chain *RecvDatagram) {
	for d := chain; d != nil; d = d.Next {
		s.DatagramsReceived.Inc()
		s.BytesReceived.Add(float64(len(d.Buffer)))
		s.ECNCounts.WithLabelValues(ecnLabel(d.TOS)).Inc()
	}
}

func ecnLabel(tos uint8) string {
	switch tos & 0x3 {
	case 0x1:
		return "ect1"
	case 0x2:
		return "ect0"
	case 0x3:
		return "ce"
	default:
		return "not-ect"
	}
}
