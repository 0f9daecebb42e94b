// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aiops assembles the operations-intelligence engine: telemetry
// collection, baseline learning, anomaly detection, root-cause
// correlation, incident lifecycle, failure injection, and the HTTP
// query/command surface.
package aiops

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/pulse/services/aiops/analysis"
	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	"github.com/AleutianAI/pulse/services/aiops/baseline"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/incident"
	"github.com/AleutianAI/pulse/services/aiops/inject"
	"github.com/AleutianAI/pulse/services/aiops/observability"
	"github.com/AleutianAI/pulse/services/aiops/rca"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// StorageConfig selects and parameterizes the telemetry store.
type StorageConfig struct {
	// Backend is "memory" or "badger". Default: memory.
	Backend string `yaml:"backend"`

	// Path is the badger data directory. Required for the badger backend.
	Path string `yaml:"path"`

	// InMemory runs badger without files, for tests.
	InMemory bool `yaml:"in_memory"`

	Retention telemetry.RetentionConfig `yaml:"-"`

	// RetentionHours and ProtectedMinutes are the YAML-facing knobs for
	// Retention.
	RetentionHours   int `yaml:"retention_hours"`
	ProtectedMinutes int `yaml:"protected_minutes"`

	// PruneInterval is how often the retention pruner runs.
	// Default: 1 hour.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Config assembles every component's configuration.
type Config struct {
	// ServiceName labels telemetry records produced by the collector.
	ServiceName string `yaml:"service_name"`

	Storage StorageConfig `yaml:"storage"`

	// Influx mirrors telemetry to InfluxDB when URL is set.
	Influx telemetry.InfluxConfig `yaml:"influx"`

	// ScenarioFile, when set, loads and hot-reloads an injection
	// scenario from disk.
	ScenarioFile string `yaml:"scenario_file"`

	// MetricsWindow is the default look-back for the metrics operation.
	// Default: 5 minutes.
	MetricsWindow time.Duration `yaml:"metrics_window"`

	Baseline  baseline.Config          `yaml:"-"`
	Detector  anomaly.Config           `yaml:"-"`
	RCA       rca.Config               `yaml:"-"`
	Registry  incident.Config          `yaml:"-"`
	Scheduler analysis.SchedulerConfig `yaml:"-"`
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName: "pulse",
		Storage: StorageConfig{
			Backend:       BackendMemory,
			Retention:     telemetry.DefaultRetentionConfig(),
			PruneInterval: time.Hour,
		},
		MetricsWindow: 5 * time.Minute,
		Baseline:      baseline.DefaultConfig(),
		Detector:      anomaly.DefaultConfig(),
		RCA:           rca.DefaultConfig(),
		Registry:      incident.DefaultConfig(),
		Scheduler:     analysis.DefaultSchedulerConfig(),
	}
}

// Engine is the assembled operations-intelligence pipeline.
//
// # Description
//
// Owns the telemetry store, the collector feeding it from request
// middleware, the failure injector, the analysis pipeline (learner,
// detector, RCA, registry), the background scheduler, and the optional
// InfluxDB mirror and scenario watcher. Construct with NewEngine, wire
// the middleware into the monitored service, Start, and register the
// HTTP surface via RegisterRoutes.
//
// # Thread Safety
//
// Safe for concurrent use after NewEngine returns.
type Engine struct {
	cfg Config
	clk aclock.Clock

	store     telemetry.Store
	collector *telemetry.Collector
	injector  *inject.Injector
	learner   *baseline.Learner
	detector  *anomaly.Detector
	rca       *rca.Engine
	registry  *incident.Registry
	scheduler *analysis.Scheduler

	sink    *telemetry.InfluxSink
	watcher *inject.Watcher
	metrics *observability.Metrics
	stream  *incidentStream

	pruneDone chan struct{}
	pruneWG   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// lastActive is the unresolved-incident count last reported to the
	// ActiveIncidents gauge. Touched only from the serialized pass
	// observer.
	lastActive int64
}

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	clk   aclock.Clock
	store telemetry.Store
}

// WithClock substitutes the time source, for tests.
func WithClock(clk aclock.Clock) EngineOption {
	return func(o *engineOptions) { o.clk = clk }
}

// WithStore substitutes a pre-built telemetry store, bypassing
// StorageConfig.
func WithStore(store telemetry.Store) EngineOption {
	return func(o *engineOptions) { o.store = store }
}

// NewEngine assembles the pipeline from configuration.
//
// # Outputs
//
//   - *Engine: Ready for Start(). Never nil on success.
//   - error: Storage initialization or scenario load failures.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	if cfg.ServiceName == "" {
		cfg = DefaultConfig()
	}
	applyStorageDefaults(&cfg.Storage)

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	clk := o.clk
	if clk == nil {
		clk = aclock.System{}
	}

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(cfg.Storage, clk)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg,
		clk:       clk,
		store:     store,
		injector:  inject.NewInjector(),
		pruneDone: make(chan struct{}),
	}

	if m, err := observability.NewMetrics(otel.Meter("pulse")); err != nil {
		slog.Warn("metric registration failed, continuing without instruments", "error", err)
	} else {
		e.metrics = m
	}

	collectorOpts := []telemetry.CollectorOption{telemetry.WithClock(clk)}
	if cfg.Influx.URL != "" {
		e.sink = telemetry.NewInfluxSink(cfg.Influx)
		collectorOpts = append(collectorOpts, telemetry.WithSink(e.sink))
	}
	if e.metrics != nil {
		collectorOpts = append(collectorOpts, telemetry.WithInsertObserver(func(ok bool) {
			if ok {
				e.metrics.RecordsIngested.Add(context.Background(), 1)
			} else {
				e.metrics.InsertFailures.Add(context.Background(), 1)
			}
		}))
	}
	e.collector = telemetry.NewCollector(store, cfg.ServiceName, collectorOpts...)

	e.learner = baseline.NewLearner(store, cfg.Baseline, clk)
	e.detector = anomaly.NewDetector(store, cfg.Detector, clk)
	e.registry = incident.NewRegistry(cfg.Registry, clk)
	e.rca = rca.NewEngine(store, e.registry, cfg.RCA, clk)
	e.scheduler = analysis.NewScheduler(e.learner, e.detector, e.rca, e.registry, cfg.Scheduler, clk)
	e.stream = newIncidentStream()
	e.scheduler.SetOnPass(func(result analysis.PassResult) {
		e.recordPassMetrics(context.Background(), result)
		for _, inc := range result.Incidents {
			e.stream.publish(inc)
		}
	})
	e.scheduler.SetOnPassError(func(error) {
		if e.metrics != nil {
			e.metrics.PassesTotal.Add(context.Background(), 1, failureAttr)
		}
	})

	if cfg.ScenarioFile != "" {
		scenario, err := inject.LoadScenarioFile(cfg.ScenarioFile)
		if err != nil {
			return nil, fmt.Errorf("load scenario: %w", err)
		}
		scenario.Apply(e.injector)

		w, err := inject.NewWatcher(e.injector, cfg.ScenarioFile)
		if err != nil {
			slog.Warn("scenario hot-reload unavailable", "error", err)
		} else {
			e.watcher = w
		}
	}

	return e, nil
}

func applyStorageDefaults(sc *StorageConfig) {
	if sc.Backend == "" {
		sc.Backend = BackendMemory
	}
	if sc.Retention == (telemetry.RetentionConfig{}) {
		sc.Retention = telemetry.DefaultRetentionConfig()
	}
	if sc.RetentionHours > 0 {
		sc.Retention.Retention = time.Duration(sc.RetentionHours) * time.Hour
	}
	if sc.ProtectedMinutes > 0 {
		sc.Retention.Protected = time.Duration(sc.ProtectedMinutes) * time.Minute
	}
	if sc.PruneInterval <= 0 {
		sc.PruneInterval = time.Hour
	}
}

func openStore(sc StorageConfig, clk aclock.Clock) (telemetry.Store, error) {
	switch sc.Backend {
	case BackendMemory:
		s := telemetry.NewMemoryStoreWithClock(clk)
		s.SetRetention(sc.Retention)
		return s, nil
	case BackendBadger:
		bcfg := telemetry.DefaultBadgerConfig(sc.Path)
		bcfg.InMemory = sc.InMemory
		bcfg.Retention = sc.Retention
		return telemetry.OpenBadgerStoreWithClock(bcfg, clk)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// Collector returns the telemetry collector for middleware wiring.
func (e *Engine) Collector() *telemetry.Collector { return e.collector }

// Injector returns the failure injector for middleware wiring.
func (e *Engine) Injector() *inject.Injector { return e.injector }

// Registry returns the incident registry.
func (e *Engine) Registry() *incident.Registry { return e.registry }

// Store returns the telemetry store.
func (e *Engine) Store() telemetry.Store { return e.store }

// Start launches the analysis scheduler, the retention pruner, and the
// scenario watcher. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		if err := e.scheduler.Start(ctx); err != nil {
			startErr = err
			return
		}
		if e.watcher != nil {
			e.watcher.Start()
		}
		e.pruneWG.Add(1)
		go e.pruneLoop(ctx)
		slog.Info("pulse engine started",
			"service", e.cfg.ServiceName,
			"backend", e.cfg.Storage.Backend,
		)
	})
	return startErr
}

// Stop shuts the background activities down and closes the store. Safe
// to call multiple times.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.scheduler.Stop()
		if e.watcher != nil {
			e.watcher.Stop()
		}
		close(e.pruneDone)
		e.pruneWG.Wait()
		e.stream.closeAll()
		if e.sink != nil {
			e.sink.Close()
		}
		err = e.store.Close()
	})
	return err
}

// pruneLoop enforces telemetry retention at a slow cadence.
func (e *Engine) pruneLoop(ctx context.Context) {
	defer e.pruneWG.Done()
	ticker := time.NewTicker(e.cfg.Storage.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pruneDone:
			return
		case <-ticker.C:
			cutoff := e.clk.Now().Add(-e.cfg.Storage.Retention.Retention)
			n, err := e.store.Prune(ctx, cutoff)
			if err != nil {
				slog.Error("retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("retention prune complete", "pruned", n)
			}
		}
	}
}

// RunAnalysis executes one synchronous analysis pass. Produced incidents
// reach stream subscribers via the scheduler's pass observer.
func (e *Engine) RunAnalysis(ctx context.Context) (analysis.PassResult, error) {
	result, err := e.scheduler.RunNow(ctx)
	if err != nil {
		return analysis.PassResult{}, err
	}
	return result, nil
}

// Metrics computes the per-endpoint window summary.
//
// # Description
//
// Aggregates the window for every endpoint with recent traffic and
// derives the health score:
//
//	100 - 50*error_rate - 30*max(0, (avg/baseline)-1)/9
//
// clamped to [0,100]. Endpoints without a learned baseline skip the
// latency penalty.
func (e *Engine) Metrics(ctx context.Context, window time.Duration) (map[string]EndpointMetrics, error) {
	if window <= 0 {
		window = e.cfg.MetricsWindow
	}
	now := e.clk.Now()
	since := now.Add(-window)

	endpoints, err := e.store.DistinctEndpoints(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("enumerate endpoints: %w", err)
	}

	baselines := e.learner.Snapshot()
	out := make(map[string]EndpointMetrics, len(endpoints))
	for _, ep := range endpoints {
		agg, err := e.store.Aggregate(ctx, ep, since, now)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", ep, err)
		}
		if agg.Count == 0 {
			continue
		}

		errorRate := float64(agg.ErrorCount5xx) / float64(agg.Count)
		bl := baselines[ep].LatencyMS
		score := healthScore(errorRate, agg.AvgLatencyMS, bl)

		out[ep] = EndpointMetrics{
			RequestCount:      agg.Count,
			AvgLatencyMS:      agg.AvgLatencyMS,
			ErrorRate:         errorRate,
			BaselineLatencyMS: bl,
			StatusHistogram:   agg.StatusHistogram,
			HealthScore:       score,
			Status:            healthStatus(score),
			LastSeen:          agg.LastSeen,
		}
	}
	return out, nil
}

var (
	successAttr = metric.WithAttributes(attribute.String("outcome", "success"))
	failureAttr = metric.WithAttributes(attribute.String("outcome", "failure"))
)

// recordPassMetrics publishes one pass's counters.
func (e *Engine) recordPassMetrics(ctx context.Context, result analysis.PassResult) {
	if e.metrics == nil {
		return
	}
	e.metrics.PassesTotal.Add(ctx, 1, successAttr)
	e.metrics.PassDuration.Record(ctx, result.Duration.Seconds())
	for _, a := range result.Anomalies {
		e.metrics.AnomaliesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(a.Kind)),
			attribute.String("severity", string(a.Severity)),
		))
	}
	for _, inc := range result.Incidents {
		if inc.FirstDetected.Equal(inc.LastUpdated) {
			e.metrics.IncidentsOpened.Add(ctx, 1)
		}
	}
	active := int64(e.registry.ActiveCount())
	if delta := active - e.lastActive; delta != 0 {
		e.metrics.ActiveIncidents.Add(ctx, delta)
		e.lastActive = active
	}
}

func healthScore(errorRate, avgLatency, baselineLatency float64) float64 {
	score := 100 - 50*errorRate
	if baselineLatency > 0 && !math.IsNaN(baselineLatency) {
		excess := math.Max(0, avgLatency/baselineLatency-1)
		score -= 30 * excess / 9
	}
	return math.Min(100, math.Max(0, score))
}

func healthStatus(score float64) HealthStatus {
	switch {
	case score >= 90:
		return HealthHealthy
	case score >= 60:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
