package observability

import (
	"testing"
	"time"

	"github.com/danmuck/dgibroker/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordEnvelopeWritten("node-a", "node-b", "NORMAL")
	RecordEnvelopeReceived("node-a", "node-b", "ACK")
	RecordDelivery("node-a", "node-b")
	RecordDecodeError("node-a", "node-b")
	RecordReconnect("node-a", "node-b")
	SetPeersConnected("node-a", 2)
}

func TestRecordWindowSkipsZeroCounts(t *testing.T) {
	testlog.Start(t)
	RecordWindow("node-w", "node-x", 3, 0, 2)
	RecordWindow("node-w", "node-x", 0, 1, 0)

	if got := counterValue(t, retransmissions.WithLabelValues("node-w", "node-x")); got != 3 {
		t.Fatalf("retransmissions=%v", got)
	}
	if got := counterValue(t, expirations.WithLabelValues("node-w", "node-x")); got != 1 {
		t.Fatalf("expirations=%v", got)
	}
	if got := counterValue(t, acknowledged.WithLabelValues("node-w", "node-x")); got != 2 {
		t.Fatalf("acknowledged=%v", got)
	}
}
