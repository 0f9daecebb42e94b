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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	"github.com/AleutianAI/pulse/services/aiops/incident"
)

// Handlers contains the HTTP handlers for the query/command surface.
type Handlers struct {
	engine *Engine
}

// NewHandlers creates handlers for the given engine.
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// HandleMetrics handles GET /aiops/metrics.
//
// Query Parameters:
//
//	window_seconds - Optional look-back in seconds. Defaults to the
//	                 configured metrics window.
//
// Response:
//
//	200 OK: map endpoint -> EndpointMetrics
//	400 Bad Request: Malformed window
//	500 Internal Server Error: Store read failure
func (h *Handlers) HandleMetrics(c *gin.Context) {
	window := time.Duration(0)
	if raw := c.Query("window_seconds"); raw != "" {
		secs, err := parsePositiveInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "window_seconds must be a positive integer",
				Code:  "INVALID_WINDOW",
			})
			return
		}
		window = time.Duration(secs) * time.Second
	}

	metrics, err := h.engine.Metrics(c.Request.Context(), window)
	if err != nil {
		slog.Error("metrics query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "METRICS_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// HandleListIncidents handles GET /aiops/incidents.
//
// Query Parameters:
//
//	severity - Optional severity filter (low, medium, high, critical).
//	status   - Optional status filter (active, acknowledged, resolved).
//	endpoint - Optional root-cause endpoint filter.
//
// Response:
//
//	200 OK: array of Incident, severity-descending
func (h *Handlers) HandleListIncidents(c *gin.Context) {
	filter := incident.Filter{
		Severity: anomaly.Severity(c.Query("severity")),
		Status:   incident.Status(c.Query("status")),
		Endpoint: c.Query("endpoint"),
	}
	incidents := h.engine.Registry().List(filter)
	if incidents == nil {
		incidents = []incident.Incident{}
	}
	c.JSON(http.StatusOK, incidents)
}

// HandleGetIncident handles GET /aiops/incidents/:id.
func (h *Handlers) HandleGetIncident(c *gin.Context) {
	inc, err := h.engine.Registry().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "INCIDENT_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, inc)
}

// HandleAcknowledgeIncident handles POST /aiops/incidents/:id/acknowledge.
//
// Response:
//
//	200 OK: updated Incident
//	404 Not Found: Unknown id
//	409 Conflict: Incident already resolved
func (h *Handlers) HandleAcknowledgeIncident(c *gin.Context) {
	id := c.Param("id")
	inc, err := h.engine.Registry().Acknowledge(id)
	if err != nil {
		status := http.StatusInternalServerError
		code := "ACKNOWLEDGE_FAILED"
		if errors.Is(err, incident.ErrNotFound) {
			status = http.StatusNotFound
			code = "INCIDENT_NOT_FOUND"
		} else if errors.Is(err, incident.ErrInvalidTransition) {
			status = http.StatusConflict
			code = "INVALID_TRANSITION"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	slog.Info("incident acknowledged", "incident_id", id)
	c.JSON(http.StatusOK, inc)
}

// HandleResolveIncident handles POST /aiops/incidents/:id/resolve.
//
// Request Body:
//
//	ResolveRequest (optional note)
//
// Response:
//
//	200 OK: updated Incident
//	404 Not Found: Unknown id
func (h *Handlers) HandleResolveIncident(c *gin.Context) {
	id := c.Param("id")

	var req ResolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: err.Error(),
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	inc, err := h.engine.Registry().Resolve(id, req.Note)
	if err != nil {
		status := http.StatusInternalServerError
		code := "RESOLVE_FAILED"
		if errors.Is(err, incident.ErrNotFound) {
			status = http.StatusNotFound
			code = "INCIDENT_NOT_FOUND"
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	slog.Info("incident resolved", "incident_id", id, "note", req.Note)
	c.JSON(http.StatusOK, inc)
}

// HandleAnalyze handles POST /aiops/analyze.
//
// Runs one analysis pass synchronously, outside the scheduler cadence,
// and returns the anomalies and incidents it produced.
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	result, err := h.engine.RunAnalysis(c.Request.Context())
	if err != nil {
		slog.Error("on-demand analysis failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "ANALYSIS_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleSimulate handles POST /simulate/failure.
//
// Request Body:
//
//	SimulateRequest
//
// Response:
//
//	200 OK: current injection table
//	400 Bad Request: Validation error
func (h *Handlers) HandleSimulate(c *gin.Context) {
	var req SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	inj := h.engine.Injector()
	if req.DelayMS != nil {
		inj.SetDelay(req.Endpoint, *req.DelayMS)
	}
	if req.ErrorRate != nil {
		inj.SetErrorRate(req.Endpoint, *req.ErrorRate)
	}
	slog.Info("injection configured",
		"endpoint", req.Endpoint,
		"delay_ms", req.DelayMS,
		"error_rate", req.ErrorRate,
	)
	c.JSON(http.StatusOK, inj.Snapshot())
}

// HandleSimulateClear handles POST /simulate/clear. Empties the
// injection table.
func (h *Handlers) HandleSimulateClear(c *gin.Context) {
	h.engine.Injector().ClearAll()
	slog.Info("injection table cleared")
	c.JSON(http.StatusOK, h.engine.Injector().Snapshot())
}

// HandleSimulateStatus handles GET /simulate/status. Returns the current
// injection table.
func (h *Handlers) HandleSimulateStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Injector().Snapshot())
}

// HandleHealth handles GET /aiops/health.
//
// Reports engine liveness plus the degradation flag raised by repeated
// telemetry insert failures.
func (h *Handlers) HandleHealth(c *gin.Context) {
	count, err := h.engine.Store().Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	status := "healthy"
	failures := h.engine.Collector().InsertFailures()
	if failures > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           status,
		"records":          count,
		"insert_failures":  failures,
		"active_incidents": h.engine.Registry().ActiveCount(),
	})
}

// parsePositiveInt parses a strictly positive decimal integer.
func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}
