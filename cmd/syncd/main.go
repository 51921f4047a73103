package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasksync/tasksync/internal/client"
	"github.com/tasksync/tasksync/internal/offline"
	"github.com/tasksync/tasksync/internal/state"
	"github.com/tasksync/tasksync/internal/store/sqlite"
	syncengine "github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/config"
	"github.com/tasksync/tasksync/pkg/logging"
	"github.com/tasksync/tasksync/pkg/metrics"
	"github.com/tasksync/tasksync/pkg/resilience"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "syncd",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting sync daemon",
		"service", cfg.Sync.ServiceName,
		"interval", cfg.Sync.Interval.String(),
		"strategy", cfg.Sync.DefaultStrategy,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: "tasksync",
		Enabled:   cfg.Metrics.Enabled,
	})

	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer store.Close()

	// Fallback cache: redis when configured, in-process otherwise.
	var cacheStore offline.CacheStore
	if cfg.Cache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		})
		defer rdb.Close()
		cacheStore = offline.NewRedisStore(rdb, "")
		logger.Info("Using redis fallback cache", "addr", cfg.Cache.RedisAddr)
	} else {
		cacheStore = offline.NewMemoryStore()
	}
	cache := offline.NewCache(cacheStore, cfg.Cache.DefaultTTL)

	offlineMgr, err := offline.NewManager(offline.ManagerConfig{
		QueueFile:     cfg.Offline.QueueFile,
		MaxQueueSize:  cfg.Offline.MaxQueueSize,
		Probe:         offline.DNSProbe(cfg.Offline.ProbeHost),
		ProbeInterval: cfg.Offline.ProbeInterval,
	}, cache)
	if err != nil {
		log.Fatalf("Failed to initialize offline manager: %v", err)
	}

	degradation := resilience.NewDegradationManager(resilience.DegradationConfig{
		HealthCheckInterval: cfg.Degradation.HealthCheckInterval,
		AutoRecover:         cfg.Degradation.AutoRecover,
		OnModeChange: func(service string, from, to resilience.Mode) {
			m.DegradationMode.WithLabelValues(service).Set(float64(to))
		},
	})
	degradation.RegisterService(cfg.Sync.ServiceName,
		resilience.Feature{Name: "sync", Critical: true},
		resilience.Feature{Name: "push", MinMode: resilience.ModeDegraded},
		resilience.Feature{Name: "pull", MinMode: resilience.ModeReadOnly},
	)

	breakers := resilience.NewRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			m.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	resilient := client.NewResilientClient(client.Config{
		Breakers: breakers,
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			BaseDelay:    cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				m.RetryAttempts.WithLabelValues(cfg.Sync.ServiceName).Inc()
			},
			OnBudgetExhausted: func(name string, err error) {
				m.BudgetExhausted.WithLabelValues(name).Inc()
			},
		},
		Budget:      resilience.NewRetryBudget(cfg.Retry.BudgetRetries, cfg.Retry.BudgetWindow),
		RateLimit:   resilience.RateLimiterConfig{
			TokensPerSecond: cfg.RateLimit.TokensPerSecond,
			Burst:           cfg.RateLimit.Burst,
			MaxQueueSize:    cfg.RateLimit.MaxQueueSize,
			AcquireTimeout:  cfg.RateLimit.AcquireTimeout,
			OnWait: func(name string, wait time.Duration) {
				m.RateLimitWaits.WithLabelValues(name).Inc()
			},
			OnTimeout: func(name string) {
				m.RateLimitTimeouts.WithLabelValues(name).Inc()
			},
		},
		Offline:     offlineMgr,
		Degradation: degradation,
		Metrics:     m,
	})

	stateStore := state.NewStore(cfg.Sync.StateFile, cfg.Sync.ConflictLogFile)

	remote := newRemoteCaller(cfg)

	engine := syncengine.NewEngine(syncengine.Config{
		ServiceName:     cfg.Sync.ServiceName,
		BatchSize:       cfg.Sync.BatchSize,
		DefaultStrategy: task.Strategy(cfg.Sync.DefaultStrategy),
		QueueOnFailure:  cfg.Sync.QueueOnFailure,
	}, store, remote, resilient, stateStore, m)

	offlineMgr.StartProbe(ctx)
	defer offlineMgr.StopProbe()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, m, logger)
	}

	go runSyncLoop(ctx, engine, offlineMgr, degradation, m, cfg.Sync.ServiceName, cfg.Sync.Interval, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down sync daemon")
	cancel()
}

// runSyncLoop drives bidirectional sync on a fixed interval, replaying
// the offline queue first whenever connectivity is back.
func runSyncLoop(ctx context.Context, engine *syncengine.Engine, offlineMgr *offline.Manager, degradation *resilience.DegradationManager, m *metrics.Metrics, service string, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Services that stopped reporting health count as failing.
		degradation.CheckStale()

		if offlineMgr.IsOnline() && offlineMgr.QueueDepth() > 0 {
			report, err := offlineMgr.Sync(ctx, engine.ReplayExecutor())
			if err != nil {
				logger.Error("Offline queue replay failed", "error", err)
			} else {
				m.ReplayResults.WithLabelValues(service, "executed").Add(float64(report.Executed))
				m.ReplayResults.WithLabelValues(service, "failed").Add(float64(report.Failed))
				m.ReplayResults.WithLabelValues(service, "dropped").Add(float64(report.Dropped))
				logger.Info("Offline queue replayed",
					"executed", report.Executed,
					"failed", report.Failed,
					"dropped", report.Dropped,
				)
			}
		}

		result, err := engine.SyncBidirectional(ctx, syncengine.Options{})
		if err != nil {
			if err == syncengine.ErrSyncInProgress {
				continue
			}
			logger.Error("Sync cycle failed", "error", err)
			continue
		}
		logger.Info("Sync cycle complete",
			"created", result.Created,
			"updated", result.Updated,
			"deleted", result.Deleted,
			"conflicts", result.Conflicts,
			"errors", len(result.Errors),
		)
	}
}

func serveMetrics(addr string, m *metrics.Metrics, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("Metrics endpoint listening", "addr", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server stopped", "error", err)
	}
}
