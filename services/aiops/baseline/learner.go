// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package baseline maintains the learned per-endpoint latency baselines.
//
// The learner runs on the analysis task only and never blocks the request
// path. Each pass folds the window's successful-request latencies into an
// exponential weighted moving average and publishes a fresh immutable
// snapshot by atomic pointer swap, so the anomaly detector always reads a
// consistent set of baselines.
package baseline

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// Baseline is the learned normal latency for one endpoint.
type Baseline struct {
	Endpoint string `json:"endpoint"`

	// LatencyMS is the current EWMA of successful-request latency.
	LatencyMS float64 `json:"latency_ms"`

	// SampleCount is the total number of successful observations folded
	// in so far.
	SampleCount int `json:"sample_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is an immutable endpoint-to-baseline map published by the
// learner. Readers must not mutate it; the learner builds a fresh map
// every pass.
type Snapshot map[string]Baseline

// Config holds the learner parameters.
type Config struct {
	// Window is how far back successful records feed the baseline.
	// Default: 60 minutes.
	Window time.Duration

	// MinSamples is the minimum successful records in the window before a
	// baseline is learned. Default: 10.
	MinSamples int

	// Alpha is the EWMA smoothing factor. Default: 0.1.
	Alpha float64
}

// DefaultConfig returns the production learner parameters.
func DefaultConfig() Config {
	return Config{
		Window:     60 * time.Minute,
		MinSamples: 10,
		Alpha:      0.1,
	}
}

// Learner computes and publishes latency baselines.
//
// # Thread Safety
//
// RunPass must only be called from the analysis task. Snapshot and
// Lookup are safe from any goroutine.
type Learner struct {
	store telemetry.Store
	cfg   Config
	clk   aclock.Clock
	snap  atomic.Pointer[Snapshot]
}

// NewLearner creates a Learner over the given store.
func NewLearner(store telemetry.Store, cfg Config, clk aclock.Clock) *Learner {
	l := &Learner{store: store, cfg: cfg, clk: clk}
	empty := Snapshot{}
	l.snap.Store(&empty)
	return l
}

// Snapshot returns the currently published baselines.
func (l *Learner) Snapshot() Snapshot {
	return *l.snap.Load()
}

// Lookup returns the baseline for one endpoint, if learned.
func (l *Learner) Lookup(endpoint string) (Baseline, bool) {
	b, ok := l.Snapshot()[endpoint]
	return b, ok
}

// RunPass recomputes baselines for every endpoint observed in the window.
//
// # Description
//
// For each endpoint with traffic inside the window, selects the 2xx
// records, and if there are at least MinSamples of them folds their mean
// into the EWMA. Endpoints below the sample floor keep their previous
// baseline (or stay unlearned). When a prior baseline exists, latency
// outliers beyond five times the sample mean are trimmed once before
// folding, so a single stuck request does not drag the baseline.
//
// The new snapshot is built aside and swapped in atomically at the end;
// an error leaves the previous snapshot untouched.
func (l *Learner) RunPass(ctx context.Context) error {
	now := l.clk.Now()
	since := now.Add(-l.cfg.Window)

	endpoints, err := l.store.DistinctEndpoints(ctx, since)
	if err != nil {
		return fmt.Errorf("enumerate endpoints: %w", err)
	}

	old := l.Snapshot()
	next := make(Snapshot, len(old)+len(endpoints))
	for ep, b := range old {
		next[ep] = b
	}

	for _, ep := range endpoints {
		recs, err := l.store.QueryEndpointRange(ctx, ep, since, now)
		if err != nil {
			return fmt.Errorf("query window for %s: %w", ep, err)
		}

		var latencies []float64
		for i := range recs {
			if recs[i].IsSuccess() {
				latencies = append(latencies, recs[i].LatencyMS)
			}
		}
		if len(latencies) < l.cfg.MinSamples {
			continue // stays unlearned, or keeps the previous value
		}

		prior, hasPrior := old[ep]
		sampleMean := mean(latencies)
		if hasPrior {
			sampleMean = trimOutliers(latencies, sampleMean)
		}
		if math.IsNaN(sampleMean) || sampleMean <= 0 {
			continue
		}

		updated := Baseline{
			Endpoint:    ep,
			LatencyMS:   sampleMean,
			SampleCount: len(latencies),
			UpdatedAt:   now,
		}
		if hasPrior {
			updated.LatencyMS = l.cfg.Alpha*sampleMean + (1-l.cfg.Alpha)*prior.LatencyMS
			updated.SampleCount = prior.SampleCount + len(latencies)
		}
		next[ep] = updated
	}

	l.snap.Store(&next)
	return nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// trimOutliers removes values beyond 5x the sample mean and returns the
// recomputed mean. Applied once, not iterated to a fixed point.
func trimOutliers(vals []float64, sampleMean float64) float64 {
	limit := 5 * sampleMean
	kept := vals[:0]
	for _, v := range vals {
		if v <= limit {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 || len(kept) == len(vals) {
		return sampleMean
	}
	return mean(kept)
}
