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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pulse/services/aiops/baseline"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func snapshotFor(endpoint string, latency float64) baseline.Snapshot {
	return baseline.Snapshot{
		endpoint: {Endpoint: endpoint, LatencyMS: latency, SampleCount: 50, UpdatedAt: testBase},
	}
}

func insertN(t *testing.T, store telemetry.Store, endpoint string, n int, status int, latency float64, errMsg string, around time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Insert(context.Background(), telemetry.Record{
			ServiceName:  "shop",
			Endpoint:     endpoint,
			Method:       "GET",
			StatusCode:   status,
			LatencyMS:    latency,
			ErrorMessage: errMsg,
			TraceID:      fmt.Sprintf("%s-%d-%d", strings.TrimPrefix(endpoint, "/"), status, i),
			Timestamp:    around.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func findKind(anomalies []Anomaly, kind Kind) *Anomaly {
	for i := range anomalies {
		if anomalies[i].Kind == kind {
			return &anomalies[i]
		}
	}
	return nil
}

// TestDetectLatencySeverityLadder verifies the ratio thresholds.
func TestDetectLatencySeverityLadder(t *testing.T) {
	cases := []struct {
		name    string
		latency float64
		want    Severity
	}{
		{"ratio_4_low", 400, SeverityLow},
		{"ratio_7_medium", 700, SeverityMedium},
		{"ratio_12_high", 1200, SeverityHigh},
		{"ratio_25_critical", 2500, SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := aclock.NewFake(testBase)
			store := telemetry.NewMemoryStoreWithClock(clk)
			insertN(t, store, "/payment", 8, 200, tc.latency, "", testBase.Add(-2*time.Minute))
			clk.Advance(time.Second)

			det := NewDetector(store, DefaultConfig(), clk)
			out, err := det.DetectAll(context.Background(), snapshotFor("/payment", 100))
			require.NoError(t, err)

			a := findKind(out, KindLatency)
			require.NotNil(t, a, "latency anomaly expected")
			assert.Equal(t, tc.want, a.Severity)
			assert.InDelta(t, tc.latency, a.ObservedValue, 0.001)
			assert.InDelta(t, 100.0, a.BaselineMS, 0.001)
			assert.Equal(t, 8, a.SampleSize)
			assert.Len(t, a.TraceIDs, 8)
		})
	}
}

// TestDetectLatencyAbsoluteCritical verifies the 10s absolute floor
// promotes to critical regardless of ratio.
func TestDetectLatencyAbsoluteCritical(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	// Ratio is 11000/3000 < 5, but the absolute mean exceeds 10s.
	insertN(t, store, "/report", 6, 200, 11000, "", testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/report", 3000))
	require.NoError(t, err)

	a := findKind(out, KindLatency)
	require.NotNil(t, a)
	assert.Equal(t, SeverityCritical, a.Severity)
}

// TestDetectLatencyBelowSampleFloor verifies light traffic never alerts.
func TestDetectLatencyBelowSampleFloor(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	insertN(t, store, "/payment", 4, 200, 5000, "", testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/payment", 100))
	require.NoError(t, err)
	assert.Nil(t, findKind(out, KindLatency))
}

// TestDetectErrorSpike verifies rate computation, severity, samples, and
// trace attribution.
func TestDetectErrorSpike(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)

	longMsg := strings.Repeat("x", 300)
	insertN(t, store, "/inventory", 6, 200, 50, "", testBase.Add(-3*time.Minute))
	insertN(t, store, "/inventory", 4, 500, 50, longMsg, testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/inventory", 50))
	require.NoError(t, err)

	a := findKind(out, KindErrorSpike)
	require.NotNil(t, a, "0.4 rate exceeds the 0.2 threshold")
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.InDelta(t, 0.4, a.ErrorRate, 0.001)
	assert.Equal(t, 10, a.SampleSize)
	assert.Len(t, a.TraceIDs, 4, "only failing traces are attributed")
	require.NotEmpty(t, a.SampleErrors)
	for _, s := range a.SampleErrors {
		assert.LessOrEqual(t, len(s), 200, "samples are truncated")
	}
}

// TestDetectErrorSpikeCritical verifies rates over 0.5 escalate.
func TestDetectErrorSpikeCritical(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	insertN(t, store, "/inventory", 2, 200, 50, "", testBase.Add(-3*time.Minute))
	insertN(t, store, "/inventory", 8, 500, 50, "boom", testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/inventory", 50))
	require.NoError(t, err)

	a := findKind(out, KindErrorSpike)
	require.NotNil(t, a)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.LessOrEqual(t, len(a.SampleErrors), 5)
}

// TestDetectSilence verifies the silence window semantics: traffic in
// [now-BW, now-ST) and none in [now-ST, now].
func TestDetectSilence(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	// Traffic 20 minutes ago, nothing since.
	insertN(t, store, "/payment", 10, 200, 80, "", testBase.Add(-20*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/payment", 80))
	require.NoError(t, err)

	a := findKind(out, KindSilence)
	require.NotNil(t, a)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, testBase.Add(-20*time.Minute).Add(9*time.Second).Unix(), a.LastSeen.Unix())
	assert.Greater(t, a.ObservedValue, float64(5*60))
}

// TestDetectSilenceRequiresBaseline verifies unlearned endpoints never
// produce silence.
func TestDetectSilenceRequiresBaseline(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	insertN(t, store, "/payment", 10, 200, 80, "", testBase.Add(-20*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), baseline.Snapshot{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

// TestDetectSilenceNotWhenRecentTraffic verifies any record inside the
// silence threshold suppresses the anomaly.
func TestDetectSilenceNotWhenRecentTraffic(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	insertN(t, store, "/payment", 10, 200, 80, "", testBase.Add(-20*time.Minute))
	insertN(t, store, "/payment", 1, 200, 80, "", testBase.Add(-4*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/payment", 80))
	require.NoError(t, err)
	assert.Nil(t, findKind(out, KindSilence))
}

// TestDetectSilenceShortThreshold verifies silence fires when the
// threshold is shorter than the analysis window and the only traffic in
// the analysis window predates the threshold.
func TestDetectSilenceShortThreshold(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	// One record 3 minutes ago: inside the 5 minute analysis window,
	// outside a 2 minute silence threshold.
	insertN(t, store, "/payment", 1, 200, 80, "", testBase.Add(-3*time.Minute))
	clk.Advance(time.Second)

	cfg := DefaultConfig()
	cfg.SilenceThreshold = 2 * time.Minute

	det := NewDetector(store, cfg, clk)
	out, err := det.DetectAll(context.Background(), snapshotFor("/payment", 80))
	require.NoError(t, err)

	a := findKind(out, KindSilence)
	require.NotNil(t, a, "silence expected despite a nonempty analysis window")
	assert.Equal(t, testBase.Add(-3*time.Minute).Unix(), a.LastSeen.Unix())
}

// TestDetectAllDeterministicOrder verifies output ordering by endpoint
// then kind across endpoints.
func TestDetectAllDeterministicOrder(t *testing.T) {
	clk := aclock.NewFake(testBase)
	store := telemetry.NewMemoryStoreWithClock(clk)
	insertN(t, store, "/b", 8, 500, 50, "err", testBase.Add(-2*time.Minute))
	insertN(t, store, "/a", 8, 200, 900, "", testBase.Add(-2*time.Minute))
	clk.Advance(time.Second)

	det := NewDetector(store, DefaultConfig(), clk)
	baselines := baseline.Snapshot{
		"/a": {Endpoint: "/a", LatencyMS: 100},
		"/b": {Endpoint: "/b", LatencyMS: 50},
	}

	first, err := det.DetectAll(context.Background(), baselines)
	require.NoError(t, err)
	second, err := det.DetectAll(context.Background(), baselines)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Endpoint, second[i].Endpoint)
		assert.Equal(t, first[i].Kind, second[i].Kind)
	}
	assert.Equal(t, "/a", first[0].Endpoint)
}
