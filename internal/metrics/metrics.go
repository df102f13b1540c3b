// Package metrics exposes prometheus collectors for the correlation layer
// and plan execution.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atelier"

// Settlement outcomes recorded by RequestSettled.
const (
	OutcomeResolved  = "resolved"
	OutcomeRemote    = "remote_error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeCancelled = "cancelled"
)

// Collector holds every atelier metric on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsSent    *prometheus.CounterVec
	requestsSettled *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	framesDropped   *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	pendingJobs     prometheus.Gauge
	planSteps       *prometheus.CounterVec
}

// New creates a Collector with its own registry, so tests and multiple
// clients in one process do not collide on the global one.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Requests written to the connection, by kind.",
		}, []string{"kind"}),
		requestsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_settled_total",
			Help:      "Requests settled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from send to settlement, by kind.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that matched no pending caller.",
		}, []string{"kind", "reason"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_jobs",
			Help:      "Started jobs awaiting a terminal status.",
		}),
		planSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_steps_total",
			Help:      "Plan steps finished, by action and status.",
		}, []string{"action", "status"}),
	}
	c.registry.MustRegister(
		c.requestsSent,
		c.requestsSettled,
		c.requestDuration,
		c.framesDropped,
		c.pendingRequests,
		c.pendingJobs,
		c.planSteps,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RequestSent counts a written request.
func (c *Collector) RequestSent(kind string) {
	c.requestsSent.WithLabelValues(kind).Inc()
}

// RequestSettled records how and when a request settled.
func (c *Collector) RequestSettled(kind, outcome string, elapsed time.Duration) {
	c.requestsSettled.WithLabelValues(kind, outcome).Inc()
	c.requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// FrameDropped counts an inbound frame nobody was waiting for.
func (c *Collector) FrameDropped(kind, reason string) {
	c.framesDropped.WithLabelValues(kind, reason).Inc()
}

// PendingChanged updates the pending table gauges.
func (c *Collector) PendingChanged(requests, jobs int) {
	c.pendingRequests.Set(float64(requests))
	c.pendingJobs.Set(float64(jobs))
}

// StepFinished counts a finished plan step.
func (c *Collector) StepFinished(action, status string) {
	c.planSteps.WithLabelValues(action, status).Inc()
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.serve(ctx, ln)
}

func (c *Collector) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
