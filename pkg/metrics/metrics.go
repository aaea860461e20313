// Package metrics exposes session and batch counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc reports the live session figures sampled at scrape time.
type StatusFunc func() (leased, ceiling int, initialized bool)

// Metrics implements the recorder interfaces of monitor, recovery,
// scheduler and batch on a private registry.
type Metrics struct {
	batchItems   *prometheus.CounterVec
	batches      prometheus.Counter
	relogins     *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	healthChecks *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors. status may be nil.
func New(namespace string, status StatusFunc) *Metrics {
	if namespace == "" {
		namespace = "consolepilot"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of batch items by outcome",
		},
		[]string{"status"},
	)
	m.batches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of executed batch groups",
		},
	)
	m.relogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relogins_total",
			Help:      "Total number of scheduled relogins by result",
		},
		[]string{"result"},
	)
	m.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Total number of crash recovery invocations by result",
		},
		[]string{"result"},
	)
	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health checks by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.batchItems,
		m.batches,
		m.relogins,
		m.recoveries,
		m.healthChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if status != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leased_contexts",
				Help:      "Execution contexts currently leased",
			}, func() float64 {
				leased, _, _ := status()
				return float64(leased)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "context_ceiling",
				Help:      "Maximum simultaneously leased execution contexts",
			}, func() float64 {
				_, ceiling, _ := status()
				return float64(ceiling)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_initialized",
				Help:      "1 when the browser session is initialized",
			}, func() float64 {
				if _, _, ok := status(); ok {
					return 1
				}
				return 0
			}),
		)
	}

	return m
}

func (m *Metrics) ObserveItem(status string)        { m.batchItems.WithLabelValues(status).Inc() }
func (m *Metrics) ObserveBatch()                    { m.batches.Inc() }
func (m *Metrics) ObserveRelogin(result string)     { m.relogins.WithLabelValues(result).Inc() }
func (m *Metrics) ObserveRecovery(result string)    { m.recoveries.WithLabelValues(result).Inc() }
func (m *Metrics) ObserveHealthCheck(result string) { m.healthChecks.WithLabelValues(result).Inc() }

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
