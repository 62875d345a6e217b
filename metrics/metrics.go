// Package metrics exposes Prometheus counters for the SOA lifecycle and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soaflow/audit"
	"soaflow/soa"
)

const namespace = "soaflow"

// Registry implements soa.Metrics on its own prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	transitions          *prometheus.CounterVec
	deliveryFailures     *prometheus.CounterVec
	finalizationFailures prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "soa",
			Name:      "transitions_total",
			Help:      "Audited SOA lifecycle events by action.",
		}, []string{"action"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "soa",
			Name:      "delivery_failures_total",
			Help:      "Sign link deliveries that failed, by method.",
		}, []string{"method"}),
		finalizationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "soa",
			Name:      "finalization_failures_total",
			Help:      "PDF finalization attempts that failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		r.transitions,
		r.deliveryFailures,
		r.finalizationFailures,
		r.httpRequests,
		r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Transition(action audit.Action) {
	r.transitions.WithLabelValues(string(action)).Inc()
}

func (r *Registry) DeliveryFailed(method soa.DeliveryMethod) {
	r.deliveryFailures.WithLabelValues(string(method)).Inc()
}

func (r *Registry) FinalizationFailed() {
	r.finalizationFailures.Inc()
}

// ObserveHTTP records one request. route is the router pattern, never the raw
// path, so tokens stay out of label values.
func (r *Registry) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
