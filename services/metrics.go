package services

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cablelabs/safe/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var _ protocol.EventSink = (*Metrics)(nil)

// Metrics exports coordinator events and request latencies to Prometheus.
type Metrics struct {
	roundsStarted      *prometheus.CounterVec
	relayFailures      *prometheus.CounterVec
	dropouts           *prometheus.CounterVec
	rendezvousTimeouts *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// NewMetrics creates the coordinator metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safe_rounds_started_total",
				Help: "Number of SAFE rounds started",
			},
			[]string{"namespace", "group"},
		),
		relayFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safe_relay_failures_total",
				Help: "Number of SAFE relay targets declared failed by the progress monitor",
			},
			[]string{"namespace", "group"},
		),
		dropouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safe_bon_dropped_nodes_total",
				Help: "Number of BON participants declared failed",
			},
			[]string{"namespace"},
		),
		rendezvousTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safe_rendezvous_timeouts_total",
				Help: "Number of BON and INSEC rendezvous that timed out",
			},
			[]string{"namespace", "algorithm"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safe_request_duration_seconds",
				Help:    "Coordinator request latency, including polling",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"route", "code"},
		),
	}

	reg.MustRegister(m.roundsStarted, m.relayFailures, m.dropouts, m.rendezvousTimeouts, m.requestDuration)
	return m
}

func (m *Metrics) RoundStarted(namespace string, group, _ int) {
	m.roundsStarted.WithLabelValues(namespace, strconv.Itoa(group)).Inc()
}

func (m *Metrics) RelayFailed(namespace string, group, _ int) {
	m.relayFailures.WithLabelValues(namespace, strconv.Itoa(group)).Inc()
}

func (m *Metrics) DropoutDetected(namespace string, failed []int) {
	m.dropouts.WithLabelValues(namespace).Add(float64(len(failed)))
}

func (m *Metrics) RendezvousTimedOut(namespace string, algorithm protocol.Algorithm) {
	m.rendezvousTimeouts.WithLabelValues(namespace, string(algorithm)).Inc()
}

// Middleware observes the latency of every routed request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requestDuration.WithLabelValues(route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
