package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Prometheus is the Prometheus-backed Collector.
type Prometheus struct {
	reg *prometheus.Registry

	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	sessionsActive   *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	protocolErrors   *prometheus.CounterVec
	documentsCreated prometheus.Counter
	versionsRecorded prometheus.Counter
	rollbacks        *prometheus.CounterVec
}

// NewPrometheus registers all docsync metrics on reg.
// A nil reg gets a fresh registry, which keeps tests isolated from each other.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Prometheus{
		reg: reg,
		sessionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Accepted client sessions by transport.",
		}, []string{"transport"}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Terminated client sessions by transport.",
		}, []string{"transport"}),
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently connected client sessions by transport.",
		}, []string{"transport"}),
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound protocol messages by kind.",
		}, []string{"kind"}),
		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound protocol messages by kind.",
		}, []string{"kind"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_delivery_failures_total",
			Help:      "Broadcast recipients that could not be reached.",
		}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "ERROR replies sent to clients by reason.",
		}, []string{"reason"}),
		documentsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_created_total",
			Help:      "Documents created by the registry.",
		}),
		versionsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_recorded_total",
			Help:      "Snapshots appended to document version histories.",
		}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback requests by result.",
		}, []string{"result"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prometheus) SessionOpened(transport string) {
	p.sessionsOpened.WithLabelValues(transport).Inc()
	p.sessionsActive.WithLabelValues(transport).Inc()
}

func (p *Prometheus) SessionClosed(transport string) {
	p.sessionsClosed.WithLabelValues(transport).Inc()
	p.sessionsActive.WithLabelValues(transport).Dec()
}

func (p *Prometheus) MessageReceived(kind string) { p.messagesReceived.WithLabelValues(kind).Inc() }

func (p *Prometheus) MessageSent(kind string) { p.messagesSent.WithLabelValues(kind).Inc() }

func (p *Prometheus) DeliveryFailed() { p.deliveryFailures.Inc() }

func (p *Prometheus) ProtocolError(reason string) { p.protocolErrors.WithLabelValues(reason).Inc() }

func (p *Prometheus) DocumentCreated() { p.documentsCreated.Inc() }

func (p *Prometheus) VersionRecorded() { p.versionsRecorded.Inc() }

func (p *Prometheus) Rollback(ok bool) {
	result := "ok"
	if !ok {
		result = "invalid_index"
	}
	p.rollbacks.WithLabelValues(result).Inc()
}
