// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/pulse/services/aiops/baseline"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// Config holds the detector parameters.
type Config struct {
	// AnalysisWindow is how far back the detectors look. Default: 5 min.
	AnalysisWindow time.Duration

	// BaselineWindow bounds the endpoint enumeration and the silence
	// look-back. Default: 60 min (matches the learner window).
	BaselineWindow time.Duration

	// LatencyMultiplier triggers a latency anomaly when the window mean
	// exceeds baseline times this factor. Default: 3.0.
	LatencyMultiplier float64

	// ErrorRateThreshold triggers an error spike above this 5xx rate.
	// Default: 0.20.
	ErrorRateThreshold float64

	// MinSamples is the minimum records in the window before latency or
	// error-spike detection runs, to avoid false positives under light
	// traffic. Default: 5.
	MinSamples int

	// SilenceThreshold is how long an endpoint must be quiet before a
	// silence anomaly fires. Default: 5 min.
	SilenceThreshold time.Duration

	// MaxSampleErrors bounds the error messages attached to an error
	// spike. Default: 5.
	MaxSampleErrors int

	// CriticalLatencyMS marks a latency anomaly critical regardless of
	// ratio. Default: 10000.
	CriticalLatencyMS float64

	// Parallelism bounds concurrent per-endpoint detection. Default: 4.
	Parallelism int
}

// DefaultConfig returns the production detector parameters.
func DefaultConfig() Config {
	return Config{
		AnalysisWindow:     5 * time.Minute,
		BaselineWindow:     60 * time.Minute,
		LatencyMultiplier:  3.0,
		ErrorRateThreshold: 0.20,
		MinSamples:         5,
		SilenceThreshold:   5 * time.Minute,
		MaxSampleErrors:    5,
		CriticalLatencyMS:  10000,
		Parallelism:        4,
	}
}

// Detector produces anomalies from recent telemetry against a baseline
// snapshot.
//
// # Thread Safety
//
// Stateless between passes; DetectAll is safe to call from the analysis
// task or the on-demand trigger.
type Detector struct {
	store telemetry.Store
	cfg   Config
	clk   aclock.Clock
}

// NewDetector creates a Detector over the given store.
func NewDetector(store telemetry.Store, cfg Config, clk aclock.Clock) *Detector {
	return &Detector{store: store, cfg: cfg, clk: clk}
}

// DetectAll runs every detector against every recently observed endpoint.
//
// # Description
//
// Enumerates endpoints with traffic inside the baseline window and fans
// detection out across a bounded errgroup, one endpoint per task. Only
// endpoints with a learned, finite, positive baseline are considered.
// Results are ordered by endpoint then kind so passes over an unchanged
// store are deterministic.
func (d *Detector) DetectAll(ctx context.Context, baselines baseline.Snapshot) ([]Anomaly, error) {
	now := d.clk.Now()
	endpoints, err := d.store.DistinctEndpoints(ctx, now.Add(-d.cfg.BaselineWindow))
	if err != nil {
		return nil, fmt.Errorf("enumerate endpoints: %w", err)
	}

	var (
		mu  sync.Mutex
		out []Anomaly
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)
	for _, ep := range endpoints {
		g.Go(func() error {
			found, err := d.detectEndpoint(gctx, ep, now, baselines)
			if err != nil {
				return err
			}
			if len(found) > 0 {
				mu.Lock()
				out = append(out, found...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint == out[j].Endpoint {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out, nil
}

// detectEndpoint runs the three detectors for one endpoint.
func (d *Detector) detectEndpoint(ctx context.Context, ep string, now time.Time, baselines baseline.Snapshot) ([]Anomaly, error) {
	bl, ok := baselines[ep]
	if !ok || bl.LatencyMS <= 0 || math.IsNaN(bl.LatencyMS) {
		return nil, nil
	}

	recs, err := d.store.QueryEndpointRange(ctx, ep, now.Add(-d.cfg.AnalysisWindow), now)
	if err != nil {
		return nil, fmt.Errorf("query analysis window for %s: %w", ep, err)
	}

	var out []Anomaly
	if a := d.checkLatency(ep, now, bl, recs); a != nil {
		out = append(out, *a)
	}
	if a := d.checkErrorSpike(ep, now, recs); a != nil {
		out = append(out, *a)
	}
	// Gate silence on the silence window, not the analysis window: with
	// SilenceThreshold shorter than AnalysisWindow, an endpoint can be
	// quiet while older records still populate the analysis window.
	quiet := true
	silenceCutoff := now.Add(-d.cfg.SilenceThreshold)
	for i := range recs {
		if !recs[i].Timestamp.Before(silenceCutoff) {
			quiet = false
			break
		}
	}
	if quiet {
		a, err := d.checkSilence(ctx, ep, now)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

// checkLatency compares the window mean (errors included, to catch
// slow-failure modes) against the baseline.
func (d *Detector) checkLatency(ep string, now time.Time, bl baseline.Baseline, recs []telemetry.Record) *Anomaly {
	if len(recs) < d.cfg.MinSamples {
		return nil
	}
	sum := 0.0
	for i := range recs {
		sum += recs[i].LatencyMS
	}
	observed := sum / float64(len(recs))
	if observed <= bl.LatencyMS*d.cfg.LatencyMultiplier {
		return nil
	}

	ratio := observed / bl.LatencyMS
	var sev Severity
	switch {
	case ratio >= 20 || observed >= d.cfg.CriticalLatencyMS:
		sev = SeverityCritical
	case ratio >= 10:
		sev = SeverityHigh
	case ratio >= 5:
		sev = SeverityMedium
	default:
		sev = SeverityLow
	}

	return &Anomaly{
		Kind:          KindLatency,
		Endpoint:      ep,
		Severity:      sev,
		BaselineMS:    bl.LatencyMS,
		ObservedValue: observed,
		SampleSize:    len(recs),
		TraceIDs:      traceSet(recs, func(*telemetry.Record) bool { return true }),
		DetectedAt:    now,
	}
}

// checkErrorSpike compares the window 5xx rate against the threshold.
func (d *Detector) checkErrorSpike(ep string, now time.Time, recs []telemetry.Record) *Anomaly {
	if len(recs) < d.cfg.MinSamples {
		return nil
	}
	failures := 0
	for i := range recs {
		if recs[i].IsServerError() {
			failures++
		}
	}
	rate := float64(failures) / float64(len(recs))
	if rate <= d.cfg.ErrorRateThreshold {
		return nil
	}

	sev := SeverityHigh
	if rate > 0.5 {
		sev = SeverityCritical
	}

	// Most recent error messages; the window query returns chronological
	// order, so walk backwards.
	var samples []string
	for i := len(recs) - 1; i >= 0 && len(samples) < d.cfg.MaxSampleErrors; i-- {
		if recs[i].IsServerError() && recs[i].ErrorMessage != "" {
			samples = append(samples, truncate(recs[i].ErrorMessage, 200))
		}
	}

	return &Anomaly{
		Kind:          KindErrorSpike,
		Endpoint:      ep,
		Severity:      sev,
		ErrorRate:     rate,
		ObservedValue: rate,
		SampleSize:    len(recs),
		TraceIDs:      traceSet(recs, (*telemetry.Record).IsServerError),
		SampleErrors:  samples,
		DetectedAt:    now,
	}
}

// checkSilence fires when an endpoint with a learned baseline had traffic
// earlier in the baseline window but none within the silence threshold.
func (d *Detector) checkSilence(ctx context.Context, ep string, now time.Time) (*Anomaly, error) {
	// The analysis window being empty does not imply the silence window
	// is when the two are configured differently.
	recent, err := d.store.QueryEndpointRange(ctx, ep, now.Add(-d.cfg.SilenceThreshold), now)
	if err != nil {
		return nil, fmt.Errorf("query silence window for %s: %w", ep, err)
	}
	if len(recent) > 0 {
		return nil, nil
	}

	earlier, err := d.store.QueryEndpointRange(ctx, ep,
		now.Add(-d.cfg.BaselineWindow), now.Add(-d.cfg.SilenceThreshold))
	if err != nil {
		return nil, fmt.Errorf("query silence look-back for %s: %w", ep, err)
	}
	if len(earlier) == 0 {
		return nil, nil
	}

	lastSeen := earlier[len(earlier)-1].Timestamp
	return &Anomaly{
		Kind:          KindSilence,
		Endpoint:      ep,
		Severity:      SeverityHigh,
		LastSeen:      lastSeen,
		ObservedValue: now.Sub(lastSeen).Seconds(),
		SampleSize:    0,
		DetectedAt:    now,
	}, nil
}

// traceSet collects the distinct trace ids of records matching pred, in
// first-appearance order.
func traceSet(recs []telemetry.Record, pred func(*telemetry.Record) bool) []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range recs {
		if !pred(&recs[i]) {
			continue
		}
		if _, dup := seen[recs[i].TraceID]; dup {
			continue
		}
		seen[recs[i].TraceID] = struct{}{}
		out = append(out, recs[i].TraceID)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
