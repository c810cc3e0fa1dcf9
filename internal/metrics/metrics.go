// Package metrics exposes Prometheus counters and gauges for the runtime.
// Everything is fed from the internal bus so instrumented components stay
// decoupled from the metrics registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// Metrics holds every registered collector.
type Metrics struct {
	DeliveryTotal *prometheus.CounterVec
	WebhookTotal  *prometheus.CounterVec
	DagRequests   *prometheus.CounterVec
	DagNodes      *prometheus.CounterVec
	SchedulerJobs *prometheus.CounterVec
	WorkerPanics  prometheus.Counter
	ChannelUp     *prometheus.GaugeVec

	reg      *prometheus.Registry
	factory  promauto.Factory
	gatherer prometheus.Gatherer
}

// New registers all collectors on the default registry and subscribes to the
// bus. Call once per process.
func New(b *bus.Bus) *Metrics {
	return newWith(b, nil)
}

// newWith uses a private registry; tests pass one so repeated registration
// across test cases cannot collide.
func newWith(b *bus.Bus, reg *prometheus.Registry) *Metrics {
	m := &Metrics{reg: reg}
	if reg != nil {
		m.factory = promauto.With(reg)
		m.gatherer = reg
	} else {
		m.factory = promauto.With(prometheus.DefaultRegisterer)
		m.gatherer = prometheus.DefaultGatherer
	}

	m.DeliveryTotal = m.factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twinclaw_delivery_total",
		Help: "Delivery queue transitions by terminal-or-retry state",
	}, []string{"state"})
	m.WebhookTotal = m.factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twinclaw_webhook_total",
		Help: "Webhook callbacks by outcome",
	}, []string{"outcome"})
	m.DagRequests = m.factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twinclaw_dag_requests_total",
		Help: "Delegation requests by lifecycle stage",
	}, []string{"stage"})
	m.DagNodes = m.factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twinclaw_dag_nodes_total",
		Help: "Delegation node completions by state",
	}, []string{"state"})
	m.SchedulerJobs = m.factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twinclaw_scheduler_jobs_total",
		Help: "Scheduler job runs by result",
	}, []string{"job", "result"})
	m.WorkerPanics = m.factory.NewCounter(prometheus.CounterOpts{
		Name: "twinclaw_worker_panics_total",
		Help: "Panics recovered at worker boundaries",
	})
	m.ChannelUp = m.factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twinclaw_channel_up",
		Help: "Channel adapter liveness (1 up, 0 down)",
	}, []string{"platform"})

	if b != nil {
		b.Subscribe("metrics", m.onEvent)
	}
	return m
}

// RegisterHubStats adds live gauges backed by the hub's own counters.
func (m *Metrics) RegisterHubStats(clients func() float64, dropped func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "twinclaw_ws_clients",
		Help: "Connected WebSocket clients",
	}, clients)
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "twinclaw_ws_dropped_events_total",
		Help: "Events dropped for slow WebSocket clients",
	}, dropped)
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.reg != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (m *Metrics) onEvent(ev bus.Event) {
	switch ev.Name {
	case bus.EventQueueSent:
		m.DeliveryTotal.WithLabelValues("sent").Inc()
	case bus.EventQueueRetry:
		m.DeliveryTotal.WithLabelValues("retry").Inc()
	case bus.EventQueueDeadLetter:
		m.DeliveryTotal.WithLabelValues("dead_letter").Inc()
	case bus.EventWebhookAccepted:
		if p, ok := ev.Payload.(bus.WebhookEventPayload); ok && p.Outcome != "" {
			m.WebhookTotal.WithLabelValues(p.Outcome).Inc()
		} else {
			m.WebhookTotal.WithLabelValues("accepted").Inc()
		}
	case bus.EventWebhookRejected:
		m.WebhookTotal.WithLabelValues("rejected").Inc()
	case bus.EventDagStarted:
		m.DagRequests.WithLabelValues("started").Inc()
	case bus.EventDagFinished:
		if p, ok := ev.Payload.(bus.DagEventPayload); ok && p.State == "failed" {
			m.DagRequests.WithLabelValues("failed").Inc()
		} else {
			m.DagRequests.WithLabelValues("completed").Inc()
		}
	case bus.EventDagNodeDone:
		if p, ok := ev.Payload.(bus.DagEventPayload); ok {
			m.DagNodes.WithLabelValues(p.State).Inc()
		}
	case bus.EventJobDone:
		if p, ok := ev.Payload.(bus.JobEventPayload); ok {
			m.SchedulerJobs.WithLabelValues(p.JobID, "done").Inc()
		}
	case bus.EventJobError:
		if p, ok := ev.Payload.(bus.JobEventPayload); ok {
			m.SchedulerJobs.WithLabelValues(p.JobID, "error").Inc()
		}
	case bus.EventWorkerPanic:
		m.WorkerPanics.Inc()
	case bus.EventChannelUp:
		if p, ok := ev.Payload.(bus.ChannelEventPayload); ok {
			m.ChannelUp.WithLabelValues(p.Platform).Set(1)
		}
	case bus.EventChannelDown:
		if p, ok := ev.Payload.(bus.ChannelEventPayload); ok {
			m.ChannelUp.WithLabelValues(p.Platform).Set(0)
		}
	}
}
