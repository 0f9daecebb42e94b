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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// installManualReader swaps the global meter provider for one backed by a
// manual reader, restoring the previous provider on cleanup. Engines built
// after this call register their instruments against the reader.
func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

// sumValue collects the reader and returns the total of every int64 sum
// datapoint for the named instrument whose attributes contain want (nil
// matches all datapoints). The second return reports whether the
// instrument was found at all.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string, want []attribute.KeyValue) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	found := false
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			found = true
			for _, dp := range sum.DataPoints {
				matches := true
				for _, kv := range want {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
						matches = false
						break
					}
				}
				if matches {
					total += dp.Value
				}
			}
		}
	}
	return total, found
}

// TestCollectorFeedsIngestionCounters verifies records flowing through the
// collector bump the ingested counter and that invalid records land on the
// failure counter instead.
func TestCollectorFeedsIngestionCounters(t *testing.T) {
	reader := installManualReader(t)

	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	engine, err := NewEngine(DefaultConfig(), WithClock(clk), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	c := engine.Collector()
	for i := 0; i < 3; i++ {
		rc := c.Begin("/checkout", "POST", "")
		clk.Advance(10 * time.Millisecond)
		c.End(context.Background(), rc, 200, "")
	}

	// A status code of zero fails record validation, so the insert is
	// dropped and counted as a failure.
	rc := c.Begin("/checkout", "POST", "")
	c.End(context.Background(), rc, 0, "")

	ingested, ok := sumValue(t, reader, "pulse_records_ingested_total", nil)
	require.True(t, ok, "ingested counter never recorded")
	assert.EqualValues(t, 3, ingested)

	failures, ok := sumValue(t, reader, "pulse_insert_failures_total", nil)
	require.True(t, ok, "failure counter never recorded")
	assert.EqualValues(t, 1, failures)
	assert.EqualValues(t, 1, c.InsertFailures())
}

// TestPassMetricsCoverIncidents verifies a pass that opens an incident
// records the opened counter, the active gauge, and the success outcome.
func TestPassMetricsCoverIncidents(t *testing.T) {
	reader := installManualReader(t)

	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	engine, err := NewEngine(DefaultConfig(), WithClock(clk), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	// Healthy traffic inside the baseline window learns the endpoint;
	// the analysis window then only sees failures.
	seed := func(n, status int, label string, ts time.Time) {
		for i := 0; i < n; i++ {
			_, err := store.Insert(context.Background(), telemetry.Record{
				ServiceName: "shop",
				Endpoint:    "/payment",
				Method:      "GET",
				StatusCode:  status,
				LatencyMS:   60,
				TraceID:     fmt.Sprintf("%s-%d", label, i),
				Timestamp:   ts,
			})
			require.NoError(t, err)
		}
	}
	seed(10, 200, "ok", testBase.Add(-10*time.Minute))
	seed(6, 500, "fail", testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	result, err := engine.RunAnalysis(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Incidents, 1)

	passes, ok := sumValue(t, reader, "pulse_analysis_passes_total",
		[]attribute.KeyValue{attribute.String("outcome", "success")})
	require.True(t, ok)
	assert.EqualValues(t, 1, passes)

	opened, ok := sumValue(t, reader, "pulse_incidents_opened_total", nil)
	require.True(t, ok, "opened counter never recorded")
	assert.EqualValues(t, 1, opened)

	active, ok := sumValue(t, reader, "pulse_active_incidents", nil)
	require.True(t, ok, "active gauge never recorded")
	assert.EqualValues(t, 1, active)

	// A second pass updates the same incident; nothing new opens and the
	// gauge holds steady.
	clk.Advance(30 * time.Second)
	_, err = engine.RunAnalysis(context.Background())
	require.NoError(t, err)

	opened, _ = sumValue(t, reader, "pulse_incidents_opened_total", nil)
	assert.EqualValues(t, 1, opened)
	active, _ = sumValue(t, reader, "pulse_active_incidents", nil)
	assert.EqualValues(t, 1, active)
}

type brokenIndexStore struct {
	*telemetry.MemoryStore
}

func (s brokenIndexStore) DistinctEndpoints(ctx context.Context, since time.Time) ([]string, error) {
	return nil, errors.New("endpoint index offline")
}

// TestFailedPassRecordsFailureOutcome verifies a failing pass lands on the
// failure datapoint whether triggered on demand or by the ticking loop.
func TestFailedPassRecordsFailureOutcome(t *testing.T) {
	reader := installManualReader(t)

	clk := aclock.NewFake(testBase)
	store := brokenIndexStore{telemetry.NewMemoryStoreWithClock(clk)}
	engine, err := NewEngine(DefaultConfig(), WithClock(clk), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	_, err = engine.RunAnalysis(context.Background())
	require.Error(t, err)

	failed, ok := sumValue(t, reader, "pulse_analysis_passes_total",
		[]attribute.KeyValue{attribute.String("outcome", "failure")})
	require.True(t, ok, "failure outcome never recorded")
	assert.EqualValues(t, 1, failed)

	// The ticking loop funnels through the same pass path, so a second
	// failure increments the same datapoint exactly once.
	_, err = engine.RunAnalysis(context.Background())
	require.Error(t, err)
	failed, _ = sumValue(t, reader, "pulse_analysis_passes_total",
		[]attribute.KeyValue{attribute.String("outcome", "failure")})
	assert.EqualValues(t, 2, failed)

	success, _ := sumValue(t, reader, "pulse_analysis_passes_total",
		[]attribute.KeyValue{attribute.String("outcome", "success")})
	assert.EqualValues(t, 0, success)
}
