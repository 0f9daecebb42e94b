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
	"log/slog"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig configures the optional InfluxDB telemetry mirror.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// InfluxSink mirrors telemetry records to an InfluxDB bucket.
//
// # Description
//
// Uses the client's non-blocking WriteAPI, so Write never stalls the
// request path; points are batched and flushed in the background. Write
// errors are drained to the log. The sink is purely additive: the Badger
// or memory store remains the source of truth for analysis.
//
// # Thread Safety
//
// Safe for concurrent use; WriteAPI serializes internally.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxSink creates a sink writing to the configured bucket.
//
// The returned sink must be Closed to flush buffered points.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	s := &InfluxSink{client: client, writeAPI: writeAPI}

	// Drain async write errors so they surface in the log instead of
	// accumulating silently.
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("influx telemetry mirror write failed", "error", err)
		}
	}()
	return s
}

// Write implements Sink.
func (s *InfluxSink) Write(rec Record) {
	p := influxdb2.NewPoint(
		"request_telemetry",
		map[string]string{
			"service":  rec.ServiceName,
			"endpoint": rec.Endpoint,
			"method":   rec.Method,
			"status":   strconv.Itoa(rec.StatusCode),
		},
		map[string]interface{}{
			"latency_ms": rec.LatencyMS,
			"trace_id":   rec.TraceID,
			"error":      rec.ErrorMessage != "",
		},
		rec.Timestamp,
	)
	s.writeAPI.WritePoint(p)
}

// Close flushes buffered points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
