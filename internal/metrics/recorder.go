// Package metrics exports scheduler activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"project-governor/internal/scheduler"
)

const namespace = "governor"

// Recorder implements scheduler.Observer on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	clients              prometheus.Gauge
	activeClientsLoading prometheus.Gauge
	coalescedClients     prometheus.Gauge

	throttleTransitions *prometheus.CounterVec
	requestsStarted     *prometheus.CounterVec

	timeDeferred  *prometheus.HistogramVec
	timeThrottled *prometheus.HistogramVec
	clientLoaded  *prometheus.HistogramVec
}

var _ scheduler.Observer = (*Recorder)(nil)

// Buckets roughly follow page-load timescales: 1ms to ~80s.
var loadBuckets = prometheus.ExponentialBuckets(0.001, 2.5, 13)

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "clients",
			Help:      "Number of registered clients",
		}),
		activeClientsLoading: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_clients_loading",
			Help:      "Visible or audible clients that have not finished loading",
		}),
		coalescedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "coalesced_clients",
			Help:      "Clients currently in the Coalesced throttle state",
		}),

		throttleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "throttle_transitions_total",
			Help:      "Client throttle state transitions",
		}, []string{"from", "to"}),
		requestsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "requests_started_total",
			Help:      "Requests started, by the owning client's state",
		}, []string{"client_state"}),

		timeDeferred: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "request_time_deferred_seconds",
			Help:      "Time a request was held by the transport waiting for admission",
			Buckets:   loadBuckets,
		}, []string{"client_state"}),
		timeThrottled: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "request_time_throttled_seconds",
			Help:      "Time from request creation to admission",
			Buckets:   loadBuckets,
		}, []string{"client_state"}),
		clientLoaded: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "client_loaded_seconds",
			Help:      "Time for a client to finish loading",
			Buckets:   loadBuckets,
		}, []string{"category", "num_clients"}),
	}
}

// Registry exposes the private registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ThrottleStateChanged(_ scheduler.ClientID, from, to scheduler.ThrottleState) {
	r.throttleTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (r *Recorder) AggregatesChanged(clients, activeClientsLoading, coalescedClients int) {
	r.clients.Set(float64(clients))
	r.activeClientsLoading.Set(float64(activeClientsLoading))
	r.coalescedClients.Set(float64(coalescedClients))
}

func (r *Recorder) RequestStarted(state scheduler.ClientState, deferredFor, sinceCreation time.Duration) {
	label := stateLabel(state)
	r.requestsStarted.WithLabelValues(label).Inc()
	if deferredFor > 0 {
		r.timeDeferred.WithLabelValues(label).Observe(deferredFor.Seconds())
	}
	r.timeThrottled.WithLabelValues(label).Observe(sinceCreation.Seconds())
}

func (r *Recorder) ClientLoaded(category string, numClients int, elapsed time.Duration) {
	r.clientLoaded.WithLabelValues(category, NumClientsBucket(numClients)).Observe(elapsed.Seconds())
}

// stateLabel names a client state the way load-time dashboards expect;
// a state that changed since the request was created is "Other".
func stateLabel(s scheduler.ClientState) string {
	switch s {
	case scheduler.ClientStateActive:
		return "Active"
	case scheduler.ClientStateBackground:
		return "Background"
	}
	return "Other"
}

// NumClientsBucket groups the live client count into coarse buckets.
func NumClientsBucket(n int) string {
	switch {
	case n <= 1:
		return "1Client"
	case n <= 5:
		return "Max5Clients"
	case n <= 15:
		return "Max15Clients"
	case n <= 30:
		return "Max30Clients"
	}
	return "Over30Clients"
}
