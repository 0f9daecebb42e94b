// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package incident holds the incident model and the in-memory registry
// with its lifecycle transitions and TTL-based expiration.
package incident

import (
	"time"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
)

// Status is the incident lifecycle state.
type Status string

// Incident lifecycle states.
const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// RootCause identifies the endpoint the correlated failures point at.
type RootCause struct {
	Endpoint    string  `json:"endpoint"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// SampleTrace is one reconstructed request chain supporting the root
// cause call.
type SampleTrace struct {
	TraceID       string   `json:"trace_id"`
	RootEndpoint  string   `json:"root_endpoint"`
	RootStatus    int      `json:"root_status"`
	AffectedChain []string `json:"affected_chain"`
}

// TraceCorrelation summarizes the trace evidence behind an incident.
type TraceCorrelation struct {
	TotalTraces  int           `json:"total_traces"`
	SampleTraces []SampleTrace `json:"sample_traces,omitempty"`
}

// Incident is a deduplicated, correlated grouping of anomalies with an
// identified root endpoint and a lifecycle state.
type Incident struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Severity anomaly.Severity `json:"severity"`
	Status   Status           `json:"status"`

	RootCause         RootCause `json:"root_cause"`
	AffectedEndpoints []string  `json:"affected_endpoints"`

	Anomalies        []anomaly.Anomaly `json:"anomalies"`
	TraceCorrelation TraceCorrelation  `json:"trace_correlation"`

	FirstDetected time.Time `json:"first_detected"`
	LastUpdated   time.Time `json:"last_updated"`

	// ResolvedAt and ResolutionNote are set on resolve.
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
}

// clone returns a deep copy so registry readers never alias registry
// state.
func (inc *Incident) clone() Incident {
	out := *inc
	out.AffectedEndpoints = append([]string(nil), inc.AffectedEndpoints...)
	out.Anomalies = append([]anomaly.Anomaly(nil), inc.Anomalies...)
	out.TraceCorrelation.SampleTraces = append([]SampleTrace(nil), inc.TraceCorrelation.SampleTraces...)
	return out
}
