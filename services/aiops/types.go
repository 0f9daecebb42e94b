// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aiops

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// aiopsValidate is the validator instance for aiops datatypes.
var aiopsValidate = validator.New()

// ErrorResponse is the uniform error body for the query/command surface.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SimulateRequest configures failure injection for one endpoint.
//
// At least one of DelayMS or ErrorRate must be present; pointers
// distinguish "not supplied" from an explicit zero.
type SimulateRequest struct {
	Endpoint  string   `json:"endpoint" validate:"required"`
	DelayMS   *int     `json:"delay_ms,omitempty" validate:"omitempty,gte=0,lte=300000"`
	ErrorRate *float64 `json:"error_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Validate validates the SimulateRequest fields.
func (r *SimulateRequest) Validate() error {
	if err := aiopsValidate.Struct(r); err != nil {
		return fmt.Errorf("simulate request validation failed: %w", err)
	}
	if r.DelayMS == nil && r.ErrorRate == nil {
		return fmt.Errorf("simulate request validation failed: one of delay_ms or error_rate is required")
	}
	return nil
}

// ResolveRequest carries the optional resolution note.
type ResolveRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// Validate validates the ResolveRequest fields.
func (r *ResolveRequest) Validate() error {
	if err := aiopsValidate.Struct(r); err != nil {
		return fmt.Errorf("resolve request validation failed: %w", err)
	}
	return nil
}

// HealthStatus classifies an endpoint's derived health score.
type HealthStatus string

// Health statuses by score: healthy >= 90, degraded >= 60, else
// unhealthy.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// EndpointMetrics is the per-endpoint window summary served by the
// metrics operation.
type EndpointMetrics struct {
	RequestCount      int          `json:"request_count"`
	AvgLatencyMS      float64      `json:"avg_latency_ms"`
	ErrorRate         float64      `json:"error_rate"`
	BaselineLatencyMS float64      `json:"baseline_latency_ms,omitempty"`
	StatusHistogram   map[int]int  `json:"status_histogram"`
	HealthScore       float64      `json:"health_score"`
	Status            HealthStatus `json:"status"`
	LastSeen          time.Time    `json:"last_seen,omitzero"`
}
