// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the per-request telemetry model, the append-only
// telemetry store with its time-range and trace access paths, and the
// collector that instruments HTTP handlers.
//
// The store is part of the tiered persistence model used elsewhere in
// Aleutian: an in-process store for tests and short-lived deployments, and a
// BadgerDB-backed store when telemetry should survive restarts.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// HeaderTraceID is the HTTP header used to propagate trace ids between
// services belonging to the same top-level request.
const HeaderTraceID = "X-Trace-Id"

// Record is a single request observation. Records are immutable once
// inserted; the store assigns ID.
type Record struct {
	// ID is assigned by the store on insert. Ids are contiguous from 1.
	ID int64 `json:"id"`

	// ServiceName identifies the monitored service.
	ServiceName string `json:"service_name"`

	// Endpoint is the normalized request path (e.g. "/payment").
	Endpoint string `json:"endpoint"`

	// Method is the HTTP method token.
	Method string `json:"method"`

	// StatusCode is the response status, 100-599.
	StatusCode int `json:"status_code"`

	// LatencyMS is the request duration in milliseconds. Microsecond
	// precision is preserved in the fraction.
	LatencyMS float64 `json:"latency_ms"`

	// ErrorMessage carries captured error detail for failed requests.
	ErrorMessage string `json:"error_message,omitempty"`

	// TraceID links all records belonging to one top-level request.
	TraceID string `json:"trace_id"`

	// Timestamp is the instant the request completed.
	Timestamp time.Time `json:"timestamp"`
}

// Validation errors returned by Record.Validate.
var (
	ErrNegativeLatency  = errors.New("latency must be non-negative")
	ErrBadStatusCode    = errors.New("status code outside 100-599")
	ErrMissingTraceID   = errors.New("trace id is required")
	ErrMissingEndpoint  = errors.New("endpoint is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
)

// Validate checks the store invariants for a record.
//
// # Description
//
// Enforces the invariants every stored record must satisfy:
// non-negative latency, a status code in [100,599], a non-empty trace id,
// a non-empty endpoint, and a non-zero timestamp. Records failing
// validation are dropped by the collector, not stored.
//
// # Outputs
//
//   - error: Non-nil naming the first violated invariant.
func (r *Record) Validate() error {
	if r.LatencyMS < 0 {
		return fmt.Errorf("%w: %f", ErrNegativeLatency, r.LatencyMS)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("%w: %d", ErrBadStatusCode, r.StatusCode)
	}
	if r.TraceID == "" {
		return ErrMissingTraceID
	}
	if r.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if r.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// IsSuccess reports whether the record is a 2xx response.
func (r *Record) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsServerError reports whether the record is a 5xx response.
func (r *Record) IsServerError() bool {
	return r.StatusCode >= 500
}

// Aggregate summarizes the records for one endpoint over a time window.
// It is computed in a single pass over the matching records.
type Aggregate struct {
	Count           int         `json:"count"`
	AvgLatencyMS    float64     `json:"avg_latency_ms"`
	StatusHistogram map[int]int `json:"status_histogram"`
	ErrorCount5xx   int         `json:"error_count_5xx"`
	LastSeen        time.Time   `json:"last_seen"`
}

// fold adds one record into the aggregate.
func (a *Aggregate) fold(r *Record) {
	if a.StatusHistogram == nil {
		a.StatusHistogram = make(map[int]int)
	}
	// Incremental mean keeps the single-pass contract.
	a.Count++
	a.AvgLatencyMS += (r.LatencyMS - a.AvgLatencyMS) / float64(a.Count)
	a.StatusHistogram[r.StatusCode]++
	if r.IsServerError() {
		a.ErrorCount5xx++
	}
	if r.Timestamp.After(a.LastSeen) {
		a.LastSeen = r.Timestamp
	}
}
