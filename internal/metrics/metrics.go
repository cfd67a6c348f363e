// Package metrics exposes Prometheus instrumentation for the bridge.
//
// All recording methods are safe to call on a nil *Metrics so components
// can be constructed without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loxonecontrol"

// Metrics holds every collector registered by the bridge.
type Metrics struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	statusUpdates *prometheus.CounterVec
	blindsMoves   *prometheus.CounterVec
	batchSize     prometheus.Histogram
	webReady      prometheus.Gauge
	loginRefresh  *prometheus.CounterVec
	accessories   prometheus.Gauge
	events        *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to web interface controls by result",
		}, []string{"result"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Status events received from the web interface by kind",
		}, []string{"kind"}),
		blindsMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blinds_moves_total",
			Help:      "Blinds movements started by direction",
		}, []string{"direction"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blinds_batch_size",
			Help:      "Number of target position requests collected per debounce window",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		webReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webinterface_ready",
			Help:      "1 when the web interface session is logged in and controls are collected",
		}),
		loginRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_refresh_total",
			Help:      "Periodic web interface re-logins by result",
		}, []string{"result"}),
		accessories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accessories",
			Help:      "Number of HomeKit accessories created from configuration",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accessory_events_total",
			Help:      "Accessory events published on the bus by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands,
		m.statusUpdates,
		m.blindsMoves,
		m.batchSize,
		m.webReady,
		m.loginRefresh,
		m.accessories,
		m.events,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CommandSent counts a command sent to a control.
func (m *Metrics) CommandSent(err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result(err)).Inc()
}

// StatusUpdate counts a status event of the given kind ("status" or "before").
func (m *Metrics) StatusUpdate(kind string) {
	if m == nil {
		return
	}
	m.statusUpdates.WithLabelValues(kind).Inc()
}

// BlindsMove counts a started movement ("up" or "down").
func (m *Metrics) BlindsMove(direction string) {
	if m == nil {
		return
	}
	m.blindsMoves.WithLabelValues(direction).Inc()
}

// BlindsBatch observes the size of a flushed debounce batch.
func (m *Metrics) BlindsBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// SetWebInterfaceReady flips the readiness gauge.
func (m *Metrics) SetWebInterfaceReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.webReady.Set(1)
		return
	}
	m.webReady.Set(0)
}

// LoginRefreshed counts a periodic re-login.
func (m *Metrics) LoginRefreshed(err error) {
	if m == nil {
		return
	}
	m.loginRefresh.WithLabelValues(result(err)).Inc()
}

// SetAccessories records the number of created accessories.
func (m *Metrics) SetAccessories(n int) {
	if m == nil {
		return
	}
	m.accessories.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// AccessoryEvent counts an event published by an accessory or the platform.
func (m *Metrics) AccessoryEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}
