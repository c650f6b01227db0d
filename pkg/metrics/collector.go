// Package metrics exposes Prometheus collectors fed from the service's event buses.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/entrhq/browserd/pkg/events"
	"github.com/entrhq/browserd/pkg/types"
)

// Collector holds every metric the service reports.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Sessions
	sessionsCreated  prometheus.Counter
	stateTransitions *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	takeovers        prometheus.Counter

	// Browsers
	browsersOpen prometheus.Gauge
	navigations  prometheus.Counter

	// Navigator
	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	runsTotal        *prometheus.CounterVec

	// Transport
	socketConnections prometheus.Gauge
	framesRelayed     *prometheus.CounterVec

	namespace string
	factory   promauto.Factory
	logger    *zap.Logger

	mu     sync.Mutex
	states map[string]types.State
}

// NewCollector registers the service metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		namespace: namespace,
		factory:   f,
		logger:    logger.With(zap.String("component", "metrics")),
		states:    make(map[string]types.State),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsCreated = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Total number of sessions created",
	})

	c.stateTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.stepsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_steps_total",
			Help:      "Total number of logged steps",
		},
		[]string{"status"},
	)

	c.takeovers = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "takeovers_requested_total",
		Help:      "Total number of human takeovers requested by the agent",
	})

	c.browsersOpen = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browsers_open",
		Help:      "Number of running browsers",
	})

	c.navigations = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_navigations_total",
		Help:      "Total number of completed page navigations",
	})

	c.decisionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "navigator_decisions_total",
			Help:      "Total number of navigator decisions",
		},
		[]string{"action"},
	)

	c.decisionDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "navigator_decision_duration_seconds",
		Help:      "Navigator decision latency in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	c.runsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of finished agent runs",
		},
		[]string{"outcome"},
	)

	c.socketConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "socket_connections",
		Help:      "Number of open socket connections",
	})

	c.framesRelayed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Total number of live frames relayed to clients",
		},
		[]string{"mode"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ObserveSessions follows registry events. active reports the live session
// count for the sessions_active gauge.
func (c *Collector) ObserveSessions(bus *events.Bus[*types.SessionEvent], active func() int) func() {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions not yet completed or errored",
	}, func() float64 { return float64(active()) })

	return bus.Subscribe(c.onSessionEvent)
}

func (c *Collector) onSessionEvent(e *types.SessionEvent) {
	switch e.Type {
	case types.SessionEventCreated:
		c.sessionsCreated.Inc()
	case types.SessionEventStep:
		if e.Step != nil {
			c.stepsTotal.WithLabelValues(string(e.Step.Status)).Inc()
		}
	case types.SessionEventTakeoverRequested:
		c.takeovers.Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Type == types.SessionEventDeleted {
		delete(c.states, e.SessionID)
		return
	}
	if e.Session == nil {
		return
	}
	prev, seen := c.states[e.SessionID]
	c.states[e.SessionID] = e.Session.State
	if seen && prev != e.Session.State {
		c.stateTransitions.WithLabelValues(string(prev), string(e.Session.State)).Inc()
	}
}

// ObserveBrowsers follows browser controller events.
func (c *Collector) ObserveBrowsers(bus *events.Bus[*types.BrowserEvent]) func() {
	return bus.Subscribe(func(e *types.BrowserEvent) {
		switch e.Type {
		case types.BrowserEventLaunched:
			c.browsersOpen.Inc()
		case types.BrowserEventClosed:
			c.browsersOpen.Dec()
		case types.BrowserEventNavigated:
			c.navigations.Inc()
		}
	})
}

// ObserveAgent follows orchestrator events.
func (c *Collector) ObserveAgent(bus *events.Bus[*types.AgentEvent]) func() {
	return bus.Subscribe(func(e *types.AgentEvent) {
		switch e.Type {
		case types.AgentEventActionDecided:
			if e.Decision != nil {
				c.decisionsTotal.WithLabelValues(string(e.Decision.Action)).Inc()
			}
			c.decisionDuration.Observe(e.Duration.Seconds())
		case types.AgentEventTaskComplete:
			c.runsTotal.WithLabelValues("completed").Inc()
		case types.AgentEventTaskCancelled:
			c.runsTotal.WithLabelValues("cancelled").Inc()
		case types.AgentEventTaskFailed:
			c.runsTotal.WithLabelValues("failed").Inc()
		}
	})
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnectionOpened counts a new socket connection.
func (c *Collector) ConnectionOpened() {
	c.socketConnections.Inc()
}

// ConnectionClosed counts a closed socket connection.
func (c *Collector) ConnectionClosed() {
	c.socketConnections.Dec()
}

// FrameRelayed counts one frame sent to clients by the given source mode.
func (c *Collector) FrameRelayed(mode string) {
	c.framesRelayed.WithLabelValues(mode).Inc()
}

// statusCode buckets an HTTP status code.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return strconv.Itoa(code)
}
