// Package metrics exposes Prometheus metrics for peers and the relay.
// Every method is safe on a nil recorder, so components can run without
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copay"

// Drop reasons for inbound envelopes.
const (
	DropDecode    = "decode"
	DropAllowList = "allow_list"
	DropSpoof     = "spoof"
	DropTableFull = "table_full"
	DropMalformed = "malformed"
	DropStale     = "stale"
)

// Peer records the messaging activity of one Network.
type Peer struct {
	sent        prometheus.Counter
	received    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	connected   prometheus.Gauge
	reconnects  prometheus.Counter
	syncRetries prometheus.Counter
	serverErrs  prometheus.Counter
}

// NewPeer registers peer metrics with reg.
func NewPeer(reg prometheus.Registerer) *Peer {
	p := &Peer{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "envelopes_sent_total",
			Help: "Envelopes handed to the relay socket",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "envelopes_received_total",
			Help: "Authenticated envelopes grouped by payload kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "envelopes_dropped_total",
			Help: "Inbound envelopes rejected grouped by reason",
		}, []string{"reason"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "connected_peers",
			Help: "Peers that completed a hello",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "reconnects_total",
			Help: "Relay socket reconnects",
		}),
		syncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "sync_retries_total",
			Help: "Sync requests resent after an upstream error",
		}),
		serverErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peer",
			Name: "server_errors_total",
			Help: "Sync retry budgets exhausted",
		}),
	}
	reg.MustRegister(p.sent, p.received, p.dropped, p.connected, p.reconnects, p.syncRetries, p.serverErrs)
	return p
}

func (p *Peer) ObserveSent() {
	if p == nil {
		return
	}
	p.sent.Inc()
}

// ObserveReceived counts an accepted envelope; kind is "hello" or "data".
func (p *Peer) ObserveReceived(kind string) {
	if p == nil {
		return
	}
	p.received.WithLabelValues(kind).Inc()
}

func (p *Peer) ObserveDropped(reason string) {
	if p == nil {
		return
	}
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *Peer) SetConnected(n int) {
	if p == nil {
		return
	}
	p.connected.Set(float64(n))
}

func (p *Peer) ObserveReconnect() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

func (p *Peer) ObserveSyncRetry() {
	if p == nil {
		return
	}
	p.syncRetries.Inc()
}

func (p *Peer) ObserveServerError() {
	if p == nil {
		return
	}
	p.serverErrs.Inc()
}

// Relay records relay server activity.
type Relay struct {
	sessions      prometheus.Gauge
	messages      *prometheus.CounterVec
	mailbox       prometheus.Gauge
	syncs         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	limited       *prometheus.CounterVec
}

// NewRelay registers relay metrics with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "sessions",
			Help: "Open client sessions",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "messages_total",
			Help: "Relayed envelopes grouped by outcome",
		}, []string{"result"}),
		mailbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "mailbox_recipients",
			Help: "Recipients with stored envelopes",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "syncs_total",
			Help: "Sync requests grouped by outcome",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "notifications_total",
			Help: "Blockchain notifications fanned out grouped by kind",
		}, []string{"kind"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay",
			Name: "rate_limited_total",
			Help: "Requests refused by the limiter grouped by scope",
		}, []string{"scope"}),
	}
	reg.MustRegister(r.sessions, r.messages, r.mailbox, r.syncs, r.notifications, r.limited)
	return r
}

func (r *Relay) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Relay) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

// ObserveMessage counts a relayed envelope; result is "delivered",
// "stored" or "rejected".
func (r *Relay) ObserveMessage(result string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(result).Inc()
}

func (r *Relay) SetMailboxRecipients(n int) {
	if r == nil {
		return
	}
	r.mailbox.Set(float64(n))
}

func (r *Relay) ObserveSync(result string) {
	if r == nil {
		return
	}
	r.syncs.WithLabelValues(result).Inc()
}

func (r *Relay) ObserveNotification(kind string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(kind).Inc()
}

func (r *Relay) ObserveLimited(scope string) {
	if r == nil {
		return
	}
	r.limited.WithLabelValues(scope).Inc()
}

// Handler serves the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
