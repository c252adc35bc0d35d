package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dgibroker"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	envelopesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "envelopes_written_total",
			Help:      "Envelopes handed to the transport, by status.",
		},
		[]string{"node", "peer", "status"},
	)
	envelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "envelopes_received_total",
			Help:      "Envelopes decoded from the transport, by status.",
		},
		[]string{"node", "peer", "status"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "deliveries_total",
			Help:      "Data envelopes accepted and delivered to the consumer.",
		},
		[]string{"node", "peer"},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "retransmissions_total",
			Help:      "Window head rewrites after the first write.",
		},
		[]string{"node", "peer"},
	)
	expirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "expirations_total",
			Help:      "Envelopes dropped from the send window after expiry.",
		},
		[]string{"node", "peer"},
	)
	acknowledged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "acknowledged_total",
			Help:      "Window heads released by a matching acknowledgment.",
		},
		[]string{"node", "peer"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped as malformed.",
		},
		[]string{"node", "peer"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Connections torn down after exceeding the drop threshold.",
		},
		[]string{"node", "peer"},
	)
	peersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "peers_connected",
			Help:      "Peers with a live session.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			envelopesWritten, envelopesReceived, deliveries,
			retransmissions, expirations, acknowledged, decodeErrors,
			reconnects, peersConnected,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEnvelopeWritten(node, peer, status string) {
	RegisterMetrics()
	envelopesWritten.WithLabelValues(node, peer, status).Inc()
}

func RecordEnvelopeReceived(node, peer, status string) {
	RegisterMetrics()
	envelopesReceived.WithLabelValues(node, peer, status).Inc()
}

func RecordDelivery(node, peer string) {
	RegisterMetrics()
	deliveries.WithLabelValues(node, peer).Inc()
}

// RecordWindow adds the per-operation counts reported by the protocol machine.
func RecordWindow(node, peer string, retransmitted, expired, acked int) {
	RegisterMetrics()
	if retransmitted > 0 {
		retransmissions.WithLabelValues(node, peer).Add(float64(retransmitted))
	}
	if expired > 0 {
		expirations.WithLabelValues(node, peer).Add(float64(expired))
	}
	if acked > 0 {
		acknowledged.WithLabelValues(node, peer).Add(float64(acked))
	}
}

func RecordDecodeError(node, peer string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(node, peer).Inc()
}

func RecordReconnect(node, peer string) {
	RegisterMetrics()
	reconnects.WithLabelValues(node, peer).Inc()
}

func SetPeersConnected(node string, n int) {
	RegisterMetrics()
	peersConnected.WithLabelValues(node).Set(float64(n))
}
