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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the query/command surface with the router.
//
// Description:
//
//	Registers all /aiops/* and /simulate/* endpoints with the given Gin
//	router group. The group should NOT carry the telemetry collector
//	middleware; the engine's own surface is excluded from analysis.
//
// Inputs:
//
//	rg - Gin router group (typically the engine root)
//	handlers - The handlers instance
//
// Query Endpoints:
//
//	GET  /aiops/metrics - Per-endpoint window metrics with health score
//	GET  /aiops/incidents - List incidents (severity/status/endpoint filters)
//	GET  /aiops/incidents/stream - Websocket incident feed
//	GET  /aiops/incidents/:id - Get one incident
//	GET  /aiops/health - Engine liveness and degradation flags
//
// Command Endpoints:
//
//	POST /aiops/incidents/:id/acknowledge - Acknowledge an incident
//	POST /aiops/incidents/:id/resolve - Resolve an incident with a note
//	POST /aiops/analyze - Run one analysis pass now
//
// Chaos Endpoints:
//
//	POST /simulate/failure - Configure injection for an endpoint
//	POST /simulate/clear - Empty the injection table
//	GET  /simulate/status - Current injection table
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	aiopsGroup := rg.Group("/aiops")
	{
		aiopsGroup.GET("/metrics", handlers.HandleMetrics)
		aiopsGroup.GET("/incidents", handlers.HandleListIncidents)
		aiopsGroup.GET("/incidents/stream", handlers.HandleIncidentStream)
		aiopsGroup.GET("/incidents/:id", handlers.HandleGetIncident)
		aiopsGroup.POST("/incidents/:id/acknowledge", handlers.HandleAcknowledgeIncident)
		aiopsGroup.POST("/incidents/:id/resolve", handlers.HandleResolveIncident)
		aiopsGroup.POST("/analyze", handlers.HandleAnalyze)
		aiopsGroup.GET("/health", handlers.HandleHealth)
	}

	simGroup := rg.Group("/simulate")
	{
		simGroup.POST("/failure", handlers.HandleSimulate)
		simGroup.POST("/clear", handlers.HandleSimulateClear)
		simGroup.GET("/status", handlers.HandleSimulateStatus)
	}
}
