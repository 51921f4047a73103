package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync core
type Metrics struct {
	// Resilience metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	RetryAttempts      *prometheus.CounterVec
	BudgetExhausted    *prometheus.CounterVec
	RateLimitWaits     *prometheus.CounterVec
	RateLimitTimeouts  *prometheus.CounterVec

	// Offline metrics
	QueueDepth       *prometheus.GaugeVec
	QueuedOperations *prometheus.CounterVec
	ReplayResults    *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec

	// Sync metrics
	SyncCycles       *prometheus.CounterVec
	SyncPhaseSeconds *prometheus.HistogramVec
	TasksSynced      *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec

	// Degradation metrics
	DegradationMode *prometheus.GaugeVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "tasksync",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_attempts_total",
				Help:      "Retry attempts performed",
			},
			[]string{"service"},
		),
		BudgetExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_budget_exhausted_total",
				Help:      "Calls rejected because the retry budget was exhausted",
			},
			[]string{"service"},
		),
		RateLimitWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "rate_limit_waits_total",
				Help:      "Callers that had to queue for a rate limit token",
			},
			[]string{"service"},
		),
		RateLimitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "rate_limit_timeouts_total",
				Help:      "Rate limit acquisitions that timed out",
			},
			[]string{"service"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "offline_queue_depth",
				Help:      "Operations pending in the offline queue",
			},
			[]string{"service"},
		),
		QueuedOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "offline_queued_operations_total",
				Help:      "Operations added to the offline queue",
			},
			[]string{"service", "type"},
		),
		ReplayResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "offline_replay_results_total",
				Help:      "Offline replay outcomes",
			},
			[]string{"service", "result"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_hits_total",
				Help:      "Fallback cache hits",
			},
			[]string{"service"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_misses_total",
				Help:      "Fallback cache misses",
			},
			[]string{"service"},
		),
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "sync_cycles_total",
				Help:      "Sync cycles by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		SyncPhaseSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "sync_phase_duration_seconds",
				Help:      "Duration of sync phases",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		TasksSynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "tasks_synced_total",
				Help:      "Tasks created/updated/deleted during sync",
			},
			[]string{"phase", "action"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "conflicts_total",
				Help:      "Conflicts detected by type and severity",
			},
			[]string{"type", "severity"},
		),
		DegradationMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "degradation_mode",
				Help:      "Current degradation mode (0=full, 1=degraded, 2=read-only, 3=offline)",
			},
			[]string{"service"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BreakerTransitions,
		m.BreakerState,
		m.RetryAttempts,
		m.BudgetExhausted,
		m.RateLimitWaits,
		m.RateLimitTimeouts,
		m.QueueDepth,
		m.QueuedOperations,
		m.ReplayResults,
		m.CacheHits,
		m.CacheMisses,
		m.SyncCycles,
		m.SyncPhaseSeconds,
		m.TasksSynced,
		m.ConflictsTotal,
		m.DegradationMode,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
