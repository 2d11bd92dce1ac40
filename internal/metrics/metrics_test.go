package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPeerCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPeer(reg)
	p.ObserveSent()
	p.ObserveSent()
	p.ObserveReceived("hello")
	p.ObserveDropped(DropSpoof)
	p.ObserveDropped(DropSpoof)
	p.SetConnected(3)
	p.ObserveSyncRetry()

	if got := testutil.ToFloat64(p.sent); got != 2 {
		t.Fatalf("expected sent=2, got %v", got)
	}
	if got := testutil.ToFloat64(p.received.WithLabelValues("hello")); got != 1 {
		t.Fatalf("expected hello=1, got %v", got)
	}
	if got := testutil.ToFloat64(p.dropped.WithLabelValues(DropSpoof)); got != 2 {
		t.Fatalf("expected spoof drops=2, got %v", got)
	}
	if got := testutil.ToFloat64(p.connected); got != 3 {
		t.Fatalf("expected connected=3, got %v", got)
	}
}

func TestNilRecorders(t *testing.T) {
	var p *Peer
	p.ObserveSent()
	p.ObserveDropped(DropDecode)
	p.SetConnected(1)
	var r *Relay
	r.SessionOpened()
	r.ObserveMessage("stored")
	r.ObserveLimited("ip")
}

func TestHandlerServesRelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRelay(reg)
	r.SessionOpened()
	r.ObserveNotification("block")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "copay_relay_sessions 1") {
		t.Fatalf("expected sessions gauge in output:\n%s", body)
	}
	if !strings.Contains(body, `copay_relay_notifications_total{kind="block"} 1`) {
		t.Fatalf("expected notification counter in output:\n%s", body)
	}
}
