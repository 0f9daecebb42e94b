// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis runs the periodic analysis pass: baseline learning,
// anomaly detection, root-cause correlation, and incident expiration.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	"github.com/AleutianAI/pulse/services/aiops/baseline"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/incident"
	"github.com/AleutianAI/pulse/services/aiops/rca"
)

// =============================================================================
// Analysis Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the background analysis loop.
type SchedulerConfig struct {
	// Interval is the pass cadence. Default: 30 seconds.
	Interval time.Duration

	// PassDeadline is the soft budget for one pass. A pass exceeding it
	// is logged, not aborted. Default: 10 seconds.
	PassDeadline time.Duration
}

// DefaultSchedulerConfig returns sensible default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     30 * time.Second,
		PassDeadline: 10 * time.Second,
	}
}

// PassResult carries what one analysis pass produced.
type PassResult struct {
	Anomalies []anomaly.Anomaly   `json:"anomalies"`
	Incidents []incident.Incident `json:"incidents"`

	// Expired is the number of incidents removed by TTL and
	// resolved-grace cleanup.
	Expired int `json:"expired"`

	Duration time.Duration `json:"duration"`
}

// Scheduler drives the analysis pipeline at a fixed cadence.
//
// # Description
//
// Each tick runs one pass: the baseline learner folds the window in, the
// detector scans every endpoint against the fresh snapshot, the RCA
// engine correlates the anomalies into incidents, and the registry
// expires stale ones. A pass that fails is logged and skipped; the
// registry only ever sees fully composed incidents, so a failure never
// leaves partial state.
//
// RunNow executes one pass synchronously outside the cadence, for the
// on-demand trigger.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. RunNow serializes
// against the ticking pass via passMu, so two passes never interleave.
type Scheduler struct {
	learner  *baseline.Learner
	detector *anomaly.Detector
	engine   *rca.Engine
	registry *incident.Registry
	config   SchedulerConfig
	clk      aclock.Clock

	// onPass, when set, observes every successful pass. onPassError
	// observes every failed one, ticked or on-demand.
	onPass      func(PassResult)
	onPassError func(error)

	passMu  sync.Mutex
	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// SetOnPass installs an observer invoked after every successful pass,
// ticked or on-demand. Must be called before Start.
func (s *Scheduler) SetOnPass(fn func(PassResult)) { s.onPass = fn }

// SetOnPassError installs an observer invoked whenever a pass fails,
// regardless of how it was triggered. Must be called before Start.
func (s *Scheduler) SetOnPassError(fn func(error)) { s.onPassError = fn }

// NewScheduler creates a scheduler over the assembled pipeline.
func NewScheduler(learner *baseline.Learner, detector *anomaly.Detector, engine *rca.Engine, registry *incident.Registry, config SchedulerConfig, clk aclock.Clock) *Scheduler {
	if config.Interval <= 0 {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		learner:  learner,
		detector: detector,
		engine:   engine,
		registry: registry,
		config:   config,
		clk:      clk,
		done:     make(chan struct{}),
	}
}

// Start begins the background analysis loop.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("analysis scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("analysis scheduler starting",
		"interval", s.config.Interval.String(),
		"pass_deadline", s.config.PassDeadline.String(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times; an
// in-progress pass completes before the loop exits.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.done)
	slog.Info("analysis scheduler stopped")
}

// RunNow executes one analysis pass synchronously and returns what it
// produced.
func (s *Scheduler) RunNow(ctx context.Context) (PassResult, error) {
	return s.runPass(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("analysis scheduler context cancelled")
			s.Stop()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.runPass(ctx); err != nil {
				slog.Error("analysis pass failed", "error", err)
			}
		}
	}
}

// runPass executes the four pipeline stages in order.
func (s *Scheduler) runPass(ctx context.Context) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := s.clk.Now()

	if err := s.learner.RunPass(ctx); err != nil {
		return PassResult{}, s.passFailed(fmt.Errorf("baseline pass: %w", err))
	}
	snapshot := s.learner.Snapshot()

	anomalies, err := s.detector.DetectAll(ctx, snapshot)
	if err != nil {
		return PassResult{}, s.passFailed(fmt.Errorf("detection pass: %w", err))
	}

	incidents, err := s.engine.Correlate(ctx, anomalies, snapshot)
	if err != nil {
		return PassResult{}, s.passFailed(fmt.Errorf("correlation pass: %w", err))
	}

	expired := s.registry.ExpirePass()

	elapsed := s.clk.Now().Sub(start)
	if s.config.PassDeadline > 0 && elapsed > s.config.PassDeadline {
		slog.Warn("analysis pass exceeded deadline",
			"elapsed", elapsed.String(),
			"deadline", s.config.PassDeadline.String(),
		)
	}
	if len(anomalies) > 0 || len(incidents) > 0 || expired > 0 {
		slog.Info("analysis pass complete",
			"anomalies", len(anomalies),
			"incidents", len(incidents),
			"expired", expired,
			"elapsed", elapsed.String(),
		)
	}

	result := PassResult{
		Anomalies: anomalies,
		Incidents: incidents,
		Expired:   expired,
		Duration:  elapsed,
	}
	if s.onPass != nil {
		s.onPass(result)
	}
	return result, nil
}

func (s *Scheduler) passFailed(err error) error {
	if s.onPassError != nil {
		s.onPassError(err)
	}
	return err
}
