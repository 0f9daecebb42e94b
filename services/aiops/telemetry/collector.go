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
	"encoding/hex"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
)

// ContextTraceIDKey is the gin context key carrying the request trace id.
const ContextTraceIDKey = "pulse.trace_id"

// Sink receives a copy of every stored record. Used to mirror telemetry to
// an external timeseries database. Implementations must not block.
type Sink interface {
	Write(rec Record)
}

// RequestContext carries the per-request instrumentation state between
// Begin and End.
type RequestContext struct {
	TraceID  string
	Endpoint string
	Method   string
	start    time.Time
}

// Collector instruments request handling and feeds the telemetry store.
//
// # Description
//
// The collector is the single ingress path for telemetry: Begin captures
// the trace id (propagated from the X-Trace-Id header or freshly
// generated) and the start instant; End assembles the Record and inserts
// it. A record is produced on every exit path, including injected and real
// failures. Storage errors are logged and counted but never surface to the
// request; telemetry is best-effort from the monitored service's point of
// view.
//
// # Thread Safety
//
// Safe for concurrent use.
type Collector struct {
	store   Store
	service string
	clk     aclock.Clock
	sink    Sink
	skip    []string
	observe func(ok bool)

	insertFailures atomic.Int64
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithClock sets the collector time source. Tests use a fake clock.
func WithClock(clk aclock.Clock) CollectorOption {
	return func(c *Collector) { c.clk = clk }
}

// WithSink mirrors every stored record to the given sink.
func WithSink(sink Sink) CollectorOption {
	return func(c *Collector) { c.sink = sink }
}

// WithInsertObserver invokes fn after every End; ok reports whether the
// record reached the store. The engine hangs its ingestion metrics here.
func WithInsertObserver(fn func(ok bool)) CollectorOption {
	return func(c *Collector) { c.observe = fn }
}

// WithSkipPrefixes excludes paths from instrumentation. The engine's own
// query surface is skipped so analysis traffic never feeds back into the
// store it analyzes.
func WithSkipPrefixes(prefixes ...string) CollectorOption {
	return func(c *Collector) { c.skip = prefixes }
}

// NewCollector creates a Collector writing to the given store.
func NewCollector(store Store, serviceName string, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:   store,
		service: serviceName,
		clk:     aclock.System{},
		skip:    []string{"/aiops/", "/simulate/", "/metrics"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTraceID generates a fresh 128-bit random trace id, hex encoded.
func NewTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Begin starts instrumentation for one request.
//
// # Inputs
//
//   - endpoint: Normalized request path.
//   - method: HTTP method token.
//   - incomingTraceID: Trace id propagated by the caller; empty generates
//     a fresh one.
//
// # Outputs
//
//   - RequestContext: Pass to End when the request finishes.
func (c *Collector) Begin(endpoint, method, incomingTraceID string) RequestContext {
	traceID := incomingTraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	return RequestContext{
		TraceID:  traceID,
		Endpoint: endpoint,
		Method:   method,
		start:    c.clk.Now(),
	}
}

// End completes instrumentation and stores the record.
//
// Invalid records (violating the store invariants) and storage failures
// are logged and dropped; the caller's request is unaffected.
func (c *Collector) End(ctx context.Context, rc RequestContext, statusCode int, errorMessage string) {
	now := c.clk.Now()
	rec := Record{
		ServiceName:  c.service,
		Endpoint:     rc.Endpoint,
		Method:       rc.Method,
		StatusCode:   statusCode,
		LatencyMS:    float64(now.Sub(rc.start).Microseconds()) / 1000.0,
		ErrorMessage: errorMessage,
		TraceID:      rc.TraceID,
		Timestamp:    now,
	}

	if _, err := c.store.Insert(ctx, rec); err != nil {
		c.insertFailures.Add(1)
		if c.observe != nil {
			c.observe(false)
		}
		slog.Error("telemetry insert failed",
			"endpoint", rec.Endpoint,
			"trace_id", rec.TraceID,
			"error", err,
		)
		return
	}
	if c.observe != nil {
		c.observe(true)
	}
	if c.sink != nil {
		c.sink.Write(rec)
	}
}

// InsertFailures returns the number of records lost to storage errors
// since startup. Exposed on the health endpoint.
func (c *Collector) InsertFailures() int64 {
	return c.insertFailures.Load()
}

// Middleware returns gin middleware that instruments every request.
//
// # Description
//
// Adopts the X-Trace-Id header when present, otherwise generates a fresh
// trace id; stores it in the gin context and echoes it on the response so
// callers can correlate. The telemetry record is inserted after the
// handler chain completes and before the middleware returns, so a
// request's record is stored before its response is final.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(gc *gin.Context) {
		path := gc.Request.URL.Path
		for _, prefix := range c.skip {
			if strings.HasPrefix(path, prefix) {
				gc.Next()
				return
			}
		}

		rc := c.Begin(path, gc.Request.Method, gc.GetHeader(HeaderTraceID))
		gc.Set(ContextTraceIDKey, rc.TraceID)
		gc.Header(HeaderTraceID, rc.TraceID)

		gc.Next()

		status := gc.Writer.Status()
		errMsg := ""
		if status >= 500 && len(gc.Errors) > 0 {
			errMsg = gc.Errors.String()
		}
		c.End(gc.Request.Context(), rc, status, errMsg)
	}
}

// TraceIDFrom extracts the request trace id set by Middleware.
func TraceIDFrom(gc *gin.Context) string {
	if v, ok := gc.Get(ContextTraceIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
