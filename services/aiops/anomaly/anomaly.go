// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package anomaly detects deviations from learned baselines in recent
// telemetry: latency spikes, error spikes, and silence (an endpoint that
// previously had traffic going quiet). Anomalies are ephemeral; the
// detector keeps no state between passes.
package anomaly

import "time"

// Kind classifies an anomaly.
type Kind string

// Anomaly kinds.
const (
	KindLatency    Kind = "latency"
	KindErrorSpike Kind = "error_spike"
	KindSilence    Kind = "silence"
)

// Severity grades an anomaly or incident.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the numeric order of a severity; unknown values rank
// lowest.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Anomaly is one atomic detection event for one endpoint in one pass.
type Anomaly struct {
	Kind     Kind     `json:"kind"`
	Endpoint string   `json:"endpoint"`
	Severity Severity `json:"severity"`

	// BaselineMS is the learned baseline, set for latency anomalies.
	BaselineMS float64 `json:"baseline_ms,omitempty"`

	// ErrorRate is the observed 5xx rate, set for error spikes.
	ErrorRate float64 `json:"error_rate,omitempty"`

	// LastSeen is the newest record timestamp, set for silence.
	LastSeen time.Time `json:"last_seen,omitzero"`

	// ObservedValue is the window aggregate that triggered the anomaly:
	// mean latency in ms, error rate, or seconds of silence.
	ObservedValue float64 `json:"observed_value"`

	// SampleSize is the number of records in the analysis window.
	SampleSize int `json:"sample_size"`

	// TraceIDs are the traces whose records made the anomaly trigger.
	TraceIDs []string `json:"trace_ids,omitempty"`

	// SampleErrors carries up to five recent error messages for error
	// spikes, each truncated to 200 characters.
	SampleErrors []string `json:"sample_errors,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}
