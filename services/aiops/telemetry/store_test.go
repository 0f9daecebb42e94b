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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRecord(endpoint, trace string, status int, latency float64, ts time.Time) Record {
	return Record{
		ServiceName: "shop",
		Endpoint:    endpoint,
		Method:      "GET",
		StatusCode:  status,
		LatencyMS:   latency,
		TraceID:     trace,
		Timestamp:   ts,
	}
}

// openStores builds one store per backend so every property is checked
// against both implementations.
func openStores(t *testing.T, clk aclock.Clock) map[string]Store {
	t.Helper()

	mem := NewMemoryStoreWithClock(clk)

	bcfg := DefaultBadgerConfig("")
	bcfg.InMemory = true
	bcfg.SyncWrites = false
	bs, err := OpenBadgerStoreWithClock(bcfg, clk)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	return map[string]Store{"memory": mem, "badger": bs}
}

// TestInsertAssignsContiguousIDs verifies ids are a contiguous prefix of
// the naturals after N inserts.
func TestInsertAssignsContiguousIDs(t *testing.T) {
	clk := aclock.NewFake(testBase)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 10; i++ {
				id, err := store.Insert(ctx, testRecord("/inventory", fmt.Sprintf("t%d", i), 200, 50, testBase.Add(time.Duration(i)*time.Second)))
				require.NoError(t, err)
				assert.Equal(t, int64(i), id)
			}
			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(10), count)
		})
	}
}

// TestInsertRejectsInvalidRecords verifies the store invariants.
func TestInsertRejectsInvalidRecords(t *testing.T) {
	clk := aclock.NewFake(testBase)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bad := testRecord("/inventory", "t1", 200, -1, testBase)
			_, err := store.Insert(ctx, bad)
			assert.ErrorIs(t, err, ErrInvalidRecord)
			assert.ErrorIs(t, err, ErrNegativeLatency)

			bad = testRecord("/inventory", "t1", 99, 10, testBase)
			_, err = store.Insert(ctx, bad)
			assert.ErrorIs(t, err, ErrBadStatusCode)

			bad = testRecord("/inventory", "", 200, 10, testBase)
			_, err = store.Insert(ctx, bad)
			assert.ErrorIs(t, err, ErrMissingTraceID)

			bad = testRecord("", "t1", 200, 10, testBase)
			_, err = store.Insert(ctx, bad)
			assert.ErrorIs(t, err, ErrMissingEndpoint)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

// TestQueryEndpointRangeWindow verifies [since, until) exclusivity and
// chronological ordering.
func TestQueryEndpointRangeWindow(t *testing.T) {
	clk := aclock.NewFake(testBase)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Insert out of chronological order.
			for i, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
				_, err := store.Insert(ctx, testRecord("/payment", fmt.Sprintf("t%d", i), 200, 80, testBase.Add(offset)))
				require.NoError(t, err)
			}

			recs, err := store.QueryEndpointRange(ctx, "/payment", testBase.Add(time.Minute), testBase.Add(3*time.Minute))
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, testBase.Add(time.Minute).Unix(), recs[0].Timestamp.Unix())
			assert.Equal(t, testBase.Add(2*time.Minute).Unix(), recs[1].Timestamp.Unix())

			// until is exclusive; the record at exactly 3m stays out.
			for _, r := range recs {
				assert.True(t, r.Timestamp.Before(testBase.Add(3*time.Minute)))
			}
		})
	}
}

// TestQueryTraceTieBreak verifies trace reconstruction sorts by
// timestamp with id as the stable tie-break.
func TestQueryTraceTieBreak(t *testing.T) {
	clk := aclock.NewFake(testBase)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := testBase.Add(time.Minute)

			id1, err := store.Insert(ctx, testRecord("/checkout", "trace-1", 500, 120, ts))
			require.NoError(t, err)
			id2, err := store.Insert(ctx, testRecord("/payment", "trace-1", 500, 60, ts))
			require.NoError(t, err)
			_, err = store.Insert(ctx, testRecord("/inventory", "trace-1", 200, 30, ts.Add(-time.Second)))
			require.NoError(t, err)

			recs, err := store.QueryTrace(ctx, "trace-1")
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "/inventory", recs[0].Endpoint)
			assert.Equal(t, id1, recs[1].ID)
			assert.Equal(t, id2, recs[2].ID)
		})
	}
}

// TestDistinctEndpoints verifies enumeration respects the since bound.
func TestDistinctEndpoints(t *testing.T) {
	clk := aclock.NewFake(testBase.Add(time.Hour))
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Insert(ctx, testRecord("/old", "t1", 200, 10, testBase))
			require.NoError(t, err)
			_, err = store.Insert(ctx, testRecord("/fresh", "t2", 200, 10, testBase.Add(50*time.Minute)))
			require.NoError(t, err)

			eps, err := store.DistinctEndpoints(ctx, testBase.Add(30*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"/fresh"}, eps)
		})
	}
}

// TestAggregateSummarizesWindow verifies count, mean, histogram, and 5xx
// accounting.
func TestAggregateSummarizesWindow(t *testing.T) {
	clk := aclock.NewFake(testBase)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, rec := range []Record{
				testRecord("/payment", "a", 200, 100, testBase.Add(time.Minute)),
				testRecord("/payment", "b", 200, 200, testBase.Add(2*time.Minute)),
				testRecord("/payment", "c", 500, 300, testBase.Add(3*time.Minute)),
			} {
				_, err := store.Insert(ctx, rec)
				require.NoError(t, err, "record %d", i)
			}

			agg, err := store.Aggregate(ctx, "/payment", testBase, testBase.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 3, agg.Count)
			assert.InDelta(t, 200.0, agg.AvgLatencyMS, 0.001)
			assert.Equal(t, 2, agg.StatusHistogram[200])
			assert.Equal(t, 1, agg.StatusHistogram[500])
			assert.Equal(t, 1, agg.ErrorCount5xx)
			assert.Equal(t, testBase.Add(3*time.Minute).Unix(), agg.LastSeen.Unix())
		})
	}
}

// TestPruneKeepsIDsContiguous verifies pruning removes only the oldest
// contiguous run and later queries still work.
func TestPruneKeepsIDsContiguous(t *testing.T) {
	now := testBase.Add(48 * time.Hour)
	clk := aclock.NewFake(now)
	for name, store := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 6; i++ {
				ts := testBase.Add(time.Duration(i) * time.Hour)
				_, err := store.Insert(ctx, testRecord("/inventory", fmt.Sprintf("t%d", i), 200, 25, ts))
				require.NoError(t, err)
			}

			pruned, err := store.Prune(ctx, testBase.Add(3*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 3, pruned)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), count)

			recs, err := store.QueryEndpointRange(ctx, "/inventory", testBase, now)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, int64(4), recs[0].ID)
			assert.Equal(t, int64(6), recs[2].ID)
		})
	}
}

// TestPruneDropsSilentEndpoints verifies a fully pruned endpoint stops
// appearing in DistinctEndpoints.
func TestPruneDropsSilentEndpoints(t *testing.T) {
	now := testBase
	clk := aclock.NewFake(now)

	mem := NewMemoryStoreWithClock(clk)
	mem.SetRetention(RetentionConfig{Retention: 24 * time.Hour, Protected: time.Minute})
	ctx := context.Background()

	_, err := mem.Insert(ctx, testRecord("/old", "t1", 200, 10, now.Add(-30*time.Minute)))
	require.NoError(t, err)
	_, err = mem.Insert(ctx, testRecord("/fresh", "t2", 200, 10, now.Add(-2*time.Minute)))
	require.NoError(t, err)

	pruned, err := mem.Prune(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	eps, err := mem.DistinctEndpoints(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"/fresh"}, eps)
}

// TestPruneRespectsProtectedWindow verifies the cutoff clamp never
// removes records inside the protected span.
func TestPruneRespectsProtectedWindow(t *testing.T) {
	now := testBase
	clk := aclock.NewFake(now)

	mem := NewMemoryStoreWithClock(clk)
	mem.SetRetention(RetentionConfig{Retention: 24 * time.Hour, Protected: time.Hour})
	ctx := context.Background()

	_, err := mem.Insert(ctx, testRecord("/payment", "t1", 200, 40, now.Add(-30*time.Minute)))
	require.NoError(t, err)

	// Cutoff in the future would remove everything without the clamp.
	pruned, err := mem.Prune(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}
