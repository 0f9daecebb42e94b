// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shop is the demo storefront monitored by the engine. Its
// handlers carry the telemetry and injection middleware, and /checkout
// fans out to /inventory and /payment over HTTP with the trace id
// propagated, producing the multi-endpoint traces the RCA engine
// correlates.
package shop

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/pulse/services/aiops/telemetry"
)

// Config holds the storefront parameters.
type Config struct {
	// SelfURL is the base URL /checkout uses for its internal calls.
	SelfURL string `yaml:"self_url"`

	// CallTimeout bounds each internal call. Default: 10 seconds.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the storefront defaults for a local deployment.
func DefaultConfig() Config {
	return Config{
		SelfURL:     "http://127.0.0.1:8080",
		CallTimeout: 10 * time.Second,
	}
}

// Service implements the storefront handlers.
type Service struct {
	cfg    Config
	client *http.Client
}

// NewService creates the storefront.
func NewService(cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// RegisterRoutes registers the storefront endpoints with the router.
//
// The group must already carry the injection and collector middleware so
// every request is subject to chaos and lands in the telemetry store.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", s.handleHealth)
	rg.GET("/inventory", s.handleInventory)
	rg.POST("/payment", s.handlePayment)
	rg.POST("/checkout", s.handleCheckout)
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleInventory simulates a catalog lookup with a small jittered cost.
func (s *Service) handleInventory(c *gin.Context) {
	simulateWork(20, 15)
	c.JSON(http.StatusOK, gin.H{
		"items": []gin.H{
			{"sku": "SKU-1001", "name": "widget", "stock": 42},
			{"sku": "SKU-1002", "name": "gadget", "stock": 7},
			{"sku": "SKU-1003", "name": "gizmo", "stock": 0},
		},
	})
}

// handlePayment simulates a payment authorization.
func (s *Service) handlePayment(c *gin.Context) {
	simulateWork(45, 30)
	c.JSON(http.StatusOK, gin.H{
		"status":         "authorized",
		"transaction_id": fmt.Sprintf("txn-%d", time.Now().UnixNano()),
	})
}

// handleCheckout fans out to /inventory and /payment, forwarding the
// trace id so the whole chain shares one trace.
func (s *Service) handleCheckout(c *gin.Context) {
	traceID := telemetry.TraceIDFrom(c)

	if status, err := s.call(c, http.MethodGet, "/inventory", traceID); err != nil || status >= 500 {
		s.failCheckout(c, "inventory", status, err)
		return
	}
	if status, err := s.call(c, http.MethodPost, "/payment", traceID); err != nil || status >= 500 {
		s.failCheckout(c, "payment", status, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "complete",
		"order_id": fmt.Sprintf("ord-%d", time.Now().UnixNano()),
	})
}

// call issues one internal HTTP request with the trace id attached.
func (s *Service) call(c *gin.Context, method, path, traceID string) (int, error) {
	req, err := http.NewRequestWithContext(c.Request.Context(), method, s.cfg.SelfURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", path, err)
	}
	if traceID != "" {
		req.Header.Set(telemetry.HeaderTraceID, traceID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *Service) failCheckout(c *gin.Context, step string, status int, err error) {
	msg := fmt.Sprintf("checkout failed at %s", step)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
		slog.Warn("checkout dependency call failed", "step", step, "error", err)
	} else {
		msg = fmt.Sprintf("%s (upstream status %d)", msg, status)
	}
	_ = c.Error(fmt.Errorf("%s", msg))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// simulateWork sleeps for baseMS plus up to jitterMS of random jitter.
func simulateWork(baseMS, jitterMS int) {
	d := time.Duration(baseMS) * time.Millisecond
	if jitterMS > 0 {
		d += time.Duration(rand.Intn(jitterMS)) * time.Millisecond
	}
	time.Sleep(d)
}
