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
	"fmt"
	"sort"
	"sync"
	"time"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
)

// MemoryStore is the in-process Store implementation.
//
// # Description
//
// Keeps records in an append-only slice with secondary indexes for the
// (endpoint, timestamp) and trace-id access paths. Ids are contiguous
// starting at 1. Used by tests and by deployments that do not need
// telemetry to survive restarts.
//
// # Thread Safety
//
// A single RWMutex guards all state. Writes are short; readers take the
// read lock and copy out matching records, so callers always see a
// consistent snapshot.
type MemoryStore struct {
	mu sync.RWMutex

	// records[i] holds the record with ID base+int64(i)+1.
	records []Record
	base    int64

	byEndpoint map[string][]int64
	byTrace    map[string][]int64
	lastSeen   map[string]time.Time

	retention RetentionConfig
	clk       aclock.Clock
}

// NewMemoryStore creates an empty MemoryStore with default retention.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(aclock.System{})
}

// NewMemoryStoreWithClock creates a MemoryStore using the given clock for
// retention decisions. Tests use a fake clock here.
func NewMemoryStoreWithClock(clk aclock.Clock) *MemoryStore {
	return &MemoryStore{
		byEndpoint: make(map[string][]int64),
		byTrace:    make(map[string][]int64),
		lastSeen:   make(map[string]time.Time),
		retention:  DefaultRetentionConfig(),
		clk:        clk,
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, rec Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.base + int64(len(s.records)) + 1
	s.records = append(s.records, rec)
	s.byEndpoint[rec.Endpoint] = append(s.byEndpoint[rec.Endpoint], rec.ID)
	s.byTrace[rec.TraceID] = append(s.byTrace[rec.TraceID], rec.ID)
	if rec.Timestamp.After(s.lastSeen[rec.Endpoint]) {
		s.lastSeen[rec.Endpoint] = rec.Timestamp
	}
	return rec.ID, nil
}

// get returns the record for an id, or nil if it was pruned. Caller holds
// at least the read lock.
func (s *MemoryStore) get(id int64) *Record {
	idx := id - s.base - 1
	if idx < 0 || idx >= int64(len(s.records)) {
		return nil
	}
	return &s.records[idx]
}

// QueryEndpointRange implements Store.
func (s *MemoryStore) QueryEndpointRange(_ context.Context, endpoint string, since, until time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, id := range s.byEndpoint[endpoint] {
		r := s.get(id)
		if r == nil {
			continue
		}
		if r.Timestamp.Before(since) || !r.Timestamp.Before(until) {
			continue
		}
		out = append(out, *r)
	}
	sortChronological(out)
	return out, nil
}

// QueryTrace implements Store.
func (s *MemoryStore) QueryTrace(_ context.Context, traceID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, id := range s.byTrace[traceID] {
		if r := s.get(id); r != nil {
			out = append(out, *r)
		}
	}
	sortChronological(out)
	return out, nil
}

// DistinctEndpoints implements Store.
func (s *MemoryStore) DistinctEndpoints(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for ep, seen := range s.lastSeen {
		if !seen.Before(since) {
			out = append(out, ep)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Aggregate implements Store.
func (s *MemoryStore) Aggregate(_ context.Context, endpoint string, since, until time.Time) (Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg Aggregate
	for _, id := range s.byEndpoint[endpoint] {
		r := s.get(id)
		if r == nil {
			continue
		}
		if r.Timestamp.Before(since) || !r.Timestamp.Before(until) {
			continue
		}
		agg.fold(r)
	}
	return agg, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Prune implements Store.
//
// Only the contiguous oldest run of records is removed, keeping remaining
// ids contiguous. The cutoff is clamped to the protected window.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = s.retention.clampCutoff(s.clk.Now(), cutoff)

	n := 0
	for n < len(s.records) && s.records[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0, nil
	}

	s.records = append([]Record(nil), s.records[n:]...)
	s.base += int64(n)

	// Rebuild the indexes without the pruned ids.
	for ep, ids := range s.byEndpoint {
		s.byEndpoint[ep] = dropPruned(ids, s.base)
		if len(s.byEndpoint[ep]) == 0 {
			delete(s.byEndpoint, ep)
			delete(s.lastSeen, ep)
		}
	}
	for tr, ids := range s.byTrace {
		s.byTrace[tr] = dropPruned(ids, s.base)
		if len(s.byTrace[tr]) == 0 {
			delete(s.byTrace, tr)
		}
	}
	return n, nil
}

// Close implements Store. The memory store has nothing to release.
func (s *MemoryStore) Close() error { return nil }

// SetRetention overrides the retention bounds. Intended for tests and for
// engine wiring at startup.
func (s *MemoryStore) SetRetention(cfg RetentionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = cfg
}

func dropPruned(ids []int64, base int64) []int64 {
	kept := ids[:0]
	for _, id := range ids {
		if id > base {
			kept = append(kept, id)
		}
	}
	return kept
}

// sortChronological orders records by timestamp, then id for a stable
// tie-break.
func sortChronological(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}
