// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRecord wraps record validation failures returned by Insert.
var ErrInvalidRecord = errors.New("invalid telemetry record")

// Store is the append-only telemetry log.
//
// # Description
//
// Two implementations share this contract: MemoryStore (in-process, used in
// tests and ephemeral deployments) and BadgerStore (embedded persistent
// store). Both maintain the two access paths the analysis pipeline needs:
// (endpoint, timestamp) range scans and trace-id reconstruction.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Inserts serialize;
// readers never observe a partially written record.
type Store interface {
	// Insert validates the record, assigns the next id, and persists it.
	// Returns the assigned id. The input record is not retained.
	Insert(ctx context.Context, rec Record) (int64, error)

	// QueryEndpointRange returns records for endpoint with
	// since <= Timestamp < until, in chronological order.
	QueryEndpointRange(ctx context.Context, endpoint string, since, until time.Time) ([]Record, error)

	// QueryTrace returns every record for one trace id, sorted ascending by
	// timestamp with id as a stable tie-break.
	QueryTrace(ctx context.Context, traceID string) ([]Record, error)

	// DistinctEndpoints returns the endpoints observed at or after since.
	DistinctEndpoints(ctx context.Context, since time.Time) ([]string, error)

	// Aggregate computes the window summary for one endpoint in one pass.
	Aggregate(ctx context.Context, endpoint string, since, until time.Time) (Aggregate, error)

	// Count returns the total number of stored records.
	Count(ctx context.Context) (int64, error)

	// Prune removes records older than the retention cutoff. The cutoff is
	// clamped so records inside the protected analysis windows are never
	// removed. Returns the number of records pruned.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// RetentionConfig bounds how far back a store keeps records.
type RetentionConfig struct {
	// Retention is how long records are kept. Default: 24 hours.
	Retention time.Duration

	// Protected is the span before now that Prune must never touch,
	// covering the detector analysis window and the baseline window.
	// Default: 1 hour.
	Protected time.Duration
}

// DefaultRetentionConfig returns the production retention bounds.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Retention: 24 * time.Hour,
		Protected: time.Hour,
	}
}

// clampCutoff enforces the protected window on a prune cutoff.
func (c RetentionConfig) clampCutoff(now, cutoff time.Time) time.Time {
	protected := now.Add(-c.Protected)
	if cutoff.After(protected) {
		return protected
	}
	return cutoff
}
