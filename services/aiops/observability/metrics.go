// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the pulse engine.
//
// Description:
//
//	Provides standard counters and histograms for telemetry ingestion,
//	analysis passes, anomalies, and incidents. All metrics use the
//	"pulse_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Ingestion Metrics ---

	// RecordsIngested counts telemetry records written to the store.
	RecordsIngested metric.Int64Counter

	// InsertFailures counts records dropped by store write errors.
	InsertFailures metric.Int64Counter

	// --- Analysis Metrics ---

	// PassesTotal counts analysis passes by outcome.
	PassesTotal metric.Int64Counter

	// PassDuration records analysis pass duration in seconds.
	PassDuration metric.Float64Histogram

	// AnomaliesTotal counts detected anomalies by kind and severity.
	AnomaliesTotal metric.Int64Counter

	// --- Incident Metrics ---

	// IncidentsOpened counts incidents newly created.
	IncidentsOpened metric.Int64Counter

	// ActiveIncidents tracks unresolved incidents.
	ActiveIncidents metric.Int64UpDownCounter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RecordsIngested, err = meter.Int64Counter(
		"pulse_records_ingested_total",
		metric.WithDescription("Total telemetry records ingested"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create records_ingested_total: %w", err)
	}

	m.InsertFailures, err = meter.Int64Counter(
		"pulse_insert_failures_total",
		metric.WithDescription("Telemetry records dropped by store write errors"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create insert_failures_total: %w", err)
	}

	m.PassesTotal, err = meter.Int64Counter(
		"pulse_analysis_passes_total",
		metric.WithDescription("Analysis passes executed"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analysis_passes_total: %w", err)
	}

	m.PassDuration, err = meter.Float64Histogram(
		"pulse_analysis_pass_duration_seconds",
		metric.WithDescription("Analysis pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analysis_pass_duration_seconds: %w", err)
	}

	m.AnomaliesTotal, err = meter.Int64Counter(
		"pulse_anomalies_total",
		metric.WithDescription("Anomalies detected"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create anomalies_total: %w", err)
	}

	m.IncidentsOpened, err = meter.Int64Counter(
		"pulse_incidents_opened_total",
		metric.WithDescription("Incidents newly created"),
		metric.WithUnit("{incident}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create incidents_opened_total: %w", err)
	}

	m.ActiveIncidents, err = meter.Int64UpDownCounter(
		"pulse_active_incidents",
		metric.WithDescription("Unresolved incidents"),
		metric.WithUnit("{incident}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_incidents: %w", err)
	}

	return m, nil
}
