package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Intentd engine.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// Intent metrics
	intentsSubmitted *prometheus.CounterVec
	intentsCompleted *prometheus.CounterVec
	intentDuration   *prometheus.HistogramVec

	// Planner metrics
	plannerSearches   *prometheus.CounterVec
	plannerExpansions prometheus.Histogram
	plannerDuration   prometheus.Histogram

	// Execution metrics
	stepsExecuted    *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	activeExecutions prometheus.Gauge

	// State store metrics
	stateCommits *prometheus.CounterVec

	// Event bus metrics
	eventsPublished   prometheus.Counter
	subscriberDrops   prometheus.Counter
	errorsByClassCode *prometheus.CounterVec
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "intentd"
	}
	if len(cfg.DefaultHistogramBuckets) == 0 {
		cfg.DefaultHistogramBuckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		intentsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "intents_submitted_total",
				Help:      "Total number of intents submitted, by kind.",
			},
			[]string{"kind"},
		),
		intentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "intents_completed_total",
				Help:      "Total number of intents reaching a terminal status.",
			},
			[]string{"status"},
		),
		intentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "intent_duration_seconds",
				Help:      "End-to-end intent pipeline duration.",
				Buckets:   cfg.DefaultHistogramBuckets,
			},
			[]string{"status"},
		),
		plannerSearches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "planner_searches_total",
				Help:      "Total number of planner searches, by outcome.",
			},
			[]string{"outcome"},
		),
		plannerExpansions: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "planner_node_expansions",
				Help:      "Node expansions per planner search.",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000},
			},
		),
		plannerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "planner_duration_seconds",
				Help:      "Planner search duration.",
				Buckets:   cfg.DefaultHistogramBuckets,
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed, by action type and status.",
			},
			[]string{"action_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution duration.",
				Buckets:   cfg.DefaultHistogramBuckets,
			},
			[]string{"action_type"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries, by action type.",
			},
			[]string{"action_type"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating actions run, by outcome.",
			},
			[]string{"outcome"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "active_executions",
				Help:      "Number of plans currently executing.",
			},
		),
		stateCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "state_commits_total",
				Help:      "Total number of state store commits, by outcome.",
			},
			[]string{"outcome"},
		),
		eventsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "events_published_total",
				Help:      "Total number of events published on plan streams.",
			},
		),
		subscriberDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "event_subscriber_drops_total",
				Help:      "Total number of event subscribers dropped for falling behind.",
			},
		),
		errorsByClassCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors, by class and code.",
			},
			[]string{"class", "code"},
		),
	}

	collectors := []prometheus.Collector{
		m.intentsSubmitted, m.intentsCompleted, m.intentDuration,
		m.plannerSearches, m.plannerExpansions, m.plannerDuration,
		m.stepsExecuted, m.stepDuration, m.stepRetries, m.compensations,
		m.activeExecutions, m.stateCommits, m.eventsPublished,
		m.subscriberDrops, m.errorsByClassCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordIntentSubmitted increments the submitted-intent counter.
func (m *Metrics) RecordIntentSubmitted(kind string) {
	m.intentsSubmitted.WithLabelValues(kind).Inc()
}

// RecordIntentCompleted records a terminal intent and its pipeline duration.
func (m *Metrics) RecordIntentCompleted(status string, duration time.Duration) {
	m.intentsCompleted.WithLabelValues(status).Inc()
	if duration > 0 {
		m.intentDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// RecordPlannerSearch records one planner invocation.
func (m *Metrics) RecordPlannerSearch(outcome string, expansions int, duration time.Duration) {
	m.plannerSearches.WithLabelValues(outcome).Inc()
	m.plannerExpansions.Observe(float64(expansions))
	m.plannerDuration.Observe(duration.Seconds())
}

// RecordStepExecution records one step reaching a terminal status.
func (m *Metrics) RecordStepExecution(actionType, status string, duration time.Duration) {
	m.stepsExecuted.WithLabelValues(actionType, status).Inc()
	m.stepDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordStepRetry increments the retry counter for an action type.
func (m *Metrics) RecordStepRetry(actionType string) {
	m.stepRetries.WithLabelValues(actionType).Inc()
}

// RecordCompensation records one compensating action, outcome "succeeded" or "failed".
func (m *Metrics) RecordCompensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}

// SetActiveExecutions sets the number of currently executing plans.
func (m *Metrics) SetActiveExecutions(count float64) {
	m.activeExecutions.Set(count)
}

// IncActiveExecutions increments the executing-plan gauge.
func (m *Metrics) IncActiveExecutions() {
	m.activeExecutions.Inc()
}

// DecActiveExecutions decrements the executing-plan gauge.
func (m *Metrics) DecActiveExecutions() {
	m.activeExecutions.Dec()
}

// RecordStateCommit records one commit, outcome "ok" or "conflict".
func (m *Metrics) RecordStateCommit(outcome string) {
	m.stateCommits.WithLabelValues(outcome).Inc()
}

// RecordEventPublished increments the published-event counter.
func (m *Metrics) RecordEventPublished() {
	m.eventsPublished.Inc()
}

// RecordSubscriberDrop increments the dropped-subscriber counter.
func (m *Metrics) RecordSubscriberDrop() {
	m.subscriberDrops.Inc()
}

// RecordError records a classified error occurrence.
func (m *Metrics) RecordError(class, code string) {
	m.errorsByClassCode.WithLabelValues(class, code).Inc()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer creates a started timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts the metrics HTTP server on the configured address.
// It blocks, so callers typically run it in a goroutine.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
