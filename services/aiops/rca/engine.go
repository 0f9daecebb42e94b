// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rca correlates detector anomalies across request traces to
// identify the root endpoint behind a failure cascade, and folds the
// result into the incident registry with time-windowed deduplication.
package rca

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	"github.com/AleutianAI/pulse/services/aiops/baseline"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/incident"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// Config holds the correlation parameters.
type Config struct {
	// CorrelationWindow bounds incident deduplication: a new finding with
	// the same root endpoint as an unresolved incident updated within
	// this window merges into it. Default: 5 min.
	CorrelationWindow time.Duration

	// LatencyMultiplier marks a record a failure when its latency exceeds
	// the endpoint baseline times this factor. Matches the detector.
	// Default: 3.0.
	LatencyMultiplier float64

	// MaxSampleTraces bounds the example traces attached to an incident.
	// Default: 5.
	MaxSampleTraces int
}

// DefaultConfig returns the production correlation parameters.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow: 5 * time.Minute,
		LatencyMultiplier: 3.0,
		MaxSampleTraces:   5,
	}
}

// Engine turns one pass's anomalies into incidents.
//
// # Thread Safety
//
// Correlate is called from the analysis task or the on-demand trigger;
// the registry serializes the final upserts, and the incident id serial
// is atomic, so concurrent calls are safe.
type Engine struct {
	store    telemetry.Store
	registry *incident.Registry
	cfg      Config
	clk      aclock.Clock
	serial   atomic.Int64
}

// NewEngine creates an Engine writing into the given registry.
func NewEngine(store telemetry.Store, registry *incident.Registry, cfg Config, clk aclock.Clock) *Engine {
	return &Engine{store: store, registry: registry, cfg: cfg, clk: clk}
}

// firstFailure is the earliest failing record of one trace.
type firstFailure struct {
	rec   telemetry.Record
	chain []string // distinct endpoints of the trace, in first appearance order
}

// Correlate groups the pass's anomalies into incidents and upserts them.
//
// # Description
//
// Walks every trace referenced by the anomalies and finds each trace's
// first failure, where a failure is a 5xx response or a latency beyond
// the baseline multiplier. The endpoint most often first to fail is the
// root cause; its vote share is the confidence. Anomalies on endpoints
// inside the failure cascade join the correlated incident; anomalies
// outside it (silence has no traces, for instance) each become their own
// incident with confidence 1.0.
//
// All incidents are composed locally first and only then merged into the
// registry, so a failed pass never leaves partial state behind.
//
// # Outputs
//
//   - []incident.Incident: The incidents produced or updated this pass.
//   - error: Store read failures. The registry is untouched on error.
func (e *Engine) Correlate(ctx context.Context, anomalies []anomaly.Anomaly, baselines baseline.Snapshot) ([]incident.Incident, error) {
	if len(anomalies) == 0 {
		return nil, nil
	}
	now := e.clk.Now()

	// Union of trace ids across all anomalies, first appearance order.
	seen := make(map[string]struct{})
	var traceIDs []string
	for i := range anomalies {
		for _, id := range anomalies[i].TraceIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			traceIDs = append(traceIDs, id)
		}
	}

	var drafts []incident.Incident
	consumed := make(map[int]bool, len(anomalies))

	if len(traceIDs) > 0 {
		failures := make(map[string]firstFailure)
		for _, id := range traceIDs {
			recs, err := e.store.QueryTrace(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("query trace %s: %w", id, err)
			}
			if ff, ok := e.firstFailureOf(recs, baselines); ok {
				failures[id] = ff
			}
		}

		if len(failures) > 0 {
			root, votes := electRoot(failures)
			confidence := float64(votes) / float64(len(failures))

			affected := affectedEndpoints(traceIDs, failures, root)
			affectedSet := make(map[string]bool, len(affected))
			for _, ep := range affected {
				affectedSet[ep] = true
			}

			var absorbed []anomaly.Anomaly
			for i := range anomalies {
				if affectedSet[anomalies[i].Endpoint] {
					absorbed = append(absorbed, anomalies[i])
					consumed[i] = true
				}
			}

			if len(absorbed) > 0 {
				drafts = append(drafts, e.composeCorrelated(now, root, confidence, affected, absorbed, traceIDs, failures))
			}
		}
	}

	// Anomalies outside any correlated cascade stand alone.
	for i := range anomalies {
		if !consumed[i] {
			drafts = append(drafts, e.composeSimple(now, anomalies[i]))
		}
	}

	// Registry merge happens last, after every draft composed cleanly.
	out := make([]incident.Incident, 0, len(drafts))
	for _, draft := range drafts {
		out = append(out, e.mergeOrCreate(draft))
	}
	return out, nil
}

// firstFailureOf scans one trace for its earliest failing record. Records
// arrive sorted by timestamp then id, so the first match wins ties.
func (e *Engine) firstFailureOf(recs []telemetry.Record, baselines baseline.Snapshot) (firstFailure, bool) {
	chainSeen := make(map[string]struct{})
	var chain []string
	for i := range recs {
		if _, dup := chainSeen[recs[i].Endpoint]; !dup {
			chainSeen[recs[i].Endpoint] = struct{}{}
			chain = append(chain, recs[i].Endpoint)
		}
	}

	for i := range recs {
		if e.isFailure(&recs[i], baselines) {
			return firstFailure{rec: recs[i], chain: chain}, true
		}
	}
	return firstFailure{}, false
}

func (e *Engine) isFailure(rec *telemetry.Record, baselines baseline.Snapshot) bool {
	if rec.IsServerError() {
		return true
	}
	if bl, ok := baselines[rec.Endpoint]; ok && bl.LatencyMS > 0 {
		return rec.LatencyMS > bl.LatencyMS*e.cfg.LatencyMultiplier
	}
	return false
}

// electRoot tallies first-failure endpoints across traces. Ties break to
// the endpoint with the earliest observed first-failure timestamp.
func electRoot(failures map[string]firstFailure) (string, int) {
	votes := make(map[string]int)
	earliest := make(map[string]time.Time)
	for _, ff := range failures {
		ep := ff.rec.Endpoint
		votes[ep]++
		if t, ok := earliest[ep]; !ok || ff.rec.Timestamp.Before(t) {
			earliest[ep] = ff.rec.Timestamp
		}
	}

	var root string
	for ep := range votes {
		if root == "" {
			root = ep
			continue
		}
		switch {
		case votes[ep] > votes[root]:
			root = ep
		case votes[ep] == votes[root] && earliest[ep].Before(earliest[root]):
			root = ep
		}
	}
	return root, votes[root]
}

// affectedEndpoints unions the endpoints of every trace whose first
// failure is the root, ordered by first appearance across traces in
// their original enumeration order.
func affectedEndpoints(traceIDs []string, failures map[string]firstFailure, root string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range traceIDs {
		ff, ok := failures[id]
		if !ok || ff.rec.Endpoint != root {
			continue
		}
		for _, ep := range ff.chain {
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	return out
}

// composeCorrelated builds the draft incident for a trace-correlated
// cascade.
func (e *Engine) composeCorrelated(now time.Time, root string, confidence float64, affected []string, absorbed []anomaly.Anomaly, traceIDs []string, failures map[string]firstFailure) incident.Incident {
	sev := absorbed[0].Severity
	for _, a := range absorbed[1:] {
		sev = anomaly.MaxSeverity(sev, a.Severity)
	}

	var samples []incident.SampleTrace
	for _, id := range traceIDs {
		ff, ok := failures[id]
		if !ok || ff.rec.Endpoint != root {
			continue
		}
		samples = append(samples, incident.SampleTrace{
			TraceID:       id,
			RootEndpoint:  root,
			RootStatus:    ff.rec.StatusCode,
			AffectedChain: ff.chain,
		})
		if len(samples) >= e.cfg.MaxSampleTraces {
			break
		}
	}

	dominant := dominantAnomaly(absorbed, root)
	return incident.Incident{
		Title:    titleFor(dominant, root),
		Severity: sev,
		Status:   incident.StatusActive,
		RootCause: incident.RootCause{
			Endpoint:    root,
			Description: describeAnomaly(dominant),
			Confidence:  confidence,
		},
		AffectedEndpoints: affected,
		Anomalies:         absorbed,
		TraceCorrelation: incident.TraceCorrelation{
			TotalTraces:  len(failures),
			SampleTraces: samples,
		},
		FirstDetected: now,
		LastUpdated:   now,
	}
}

// composeSimple builds the draft incident for one uncorrelated anomaly.
func (e *Engine) composeSimple(now time.Time, a anomaly.Anomaly) incident.Incident {
	return incident.Incident{
		Title:    titleFor(&a, a.Endpoint),
		Severity: a.Severity,
		Status:   incident.StatusActive,
		RootCause: incident.RootCause{
			Endpoint:    a.Endpoint,
			Description: describeAnomaly(&a),
			Confidence:  1.0,
		},
		AffectedEndpoints: []string{a.Endpoint},
		Anomalies:         []anomaly.Anomaly{a},
		FirstDetected:     now,
		LastUpdated:       now,
	}
}

// mergeOrCreate applies windowed deduplication against the registry.
func (e *Engine) mergeOrCreate(draft incident.Incident) incident.Incident {
	existing, ok := e.registry.FindOpenByRoot(draft.RootCause.Endpoint, e.cfg.CorrelationWindow)
	if !ok {
		draft.ID = e.nextID()
		e.registry.Upsert(draft)
		return draft
	}

	merged := existing
	merged.Severity = anomaly.MaxSeverity(existing.Severity, draft.Severity)
	merged.Anomalies = append(merged.Anomalies, draft.Anomalies...)
	merged.AffectedEndpoints = unionOrdered(existing.AffectedEndpoints, draft.AffectedEndpoints)
	merged.RootCause.Description = draft.RootCause.Description
	if draft.RootCause.Confidence > 0 {
		merged.RootCause.Confidence = draft.RootCause.Confidence
	}
	if draft.TraceCorrelation.TotalTraces > 0 {
		merged.TraceCorrelation = draft.TraceCorrelation
	}
	merged.LastUpdated = e.clk.Now()
	e.registry.Upsert(merged)
	return merged
}

// nextID mints an incident id of the form INC-<epoch>-<serial>.
func (e *Engine) nextID() string {
	return fmt.Sprintf("INC-%d-%d", e.clk.Now().Unix(), e.serial.Add(1))
}

// dominantAnomaly picks the anomaly the title and description summarize:
// the highest-severity anomaly on the root endpoint, falling back to the
// highest-severity anomaly overall.
func dominantAnomaly(anomalies []anomaly.Anomaly, root string) *anomaly.Anomaly {
	var best, bestAny *anomaly.Anomaly
	for i := range anomalies {
		a := &anomalies[i]
		if bestAny == nil || a.Severity.Rank() > bestAny.Severity.Rank() {
			bestAny = a
		}
		if a.Endpoint != root {
			continue
		}
		if best == nil || a.Severity.Rank() > best.Severity.Rank() {
			best = a
		}
	}
	if best != nil {
		return best
	}
	return bestAny
}

func titleFor(a *anomaly.Anomaly, endpoint string) string {
	switch a.Kind {
	case anomaly.KindErrorSpike:
		return fmt.Sprintf("Error spike detected in %s", endpoint)
	case anomaly.KindLatency:
		return fmt.Sprintf("Latency spike detected in %s", endpoint)
	case anomaly.KindSilence:
		return fmt.Sprintf("Service degradation detected in %s", endpoint)
	default:
		return fmt.Sprintf("Anomaly detected in %s", endpoint)
	}
}

func describeAnomaly(a *anomaly.Anomaly) string {
	switch a.Kind {
	case anomaly.KindLatency:
		ratio := 0.0
		if a.BaselineMS > 0 {
			ratio = a.ObservedValue / a.BaselineMS
		}
		return fmt.Sprintf("Latency spike: %.0fms (baseline: %.0fms, %.1fx slower)",
			a.ObservedValue, a.BaselineMS, ratio)
	case anomaly.KindErrorSpike:
		failures := int(a.ErrorRate*float64(a.SampleSize) + 0.5)
		return fmt.Sprintf("Error spike: %.0f%% error rate (%d failures)",
			a.ErrorRate*100, failures)
	case anomaly.KindSilence:
		return fmt.Sprintf("Endpoint stopped responding (silent for %.0fs)", a.ObservedValue)
	default:
		return "Anomalous behavior detected"
	}
}

// unionOrdered appends the elements of b not already in a, preserving
// order.
func unionOrdered(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
