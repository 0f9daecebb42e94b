// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inject implements deterministic failure injection for the
// monitored service: artificial latency and random 5xx failures per
// endpoint. The analysis test suite depends on it to exercise the anomaly
// detectors with known fault shapes.
package inject

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Rule is the fault configuration for one endpoint. Zero fields mean the
// corresponding fault is disabled.
type Rule struct {
	// DelayMS sleeps this long before the handler runs.
	DelayMS int `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`

	// ErrorRate in (0,1] short-circuits the request with HTTP 500 at this
	// probability. Delay, when also set, is applied first.
	ErrorRate float64 `json:"error_rate,omitempty" yaml:"error_rate,omitempty"`
}

// Decision is the fault outcome for a single request, captured at request
// start. In-flight requests are unaffected by later configuration changes.
type Decision struct {
	Delay      time.Duration
	ForceError bool
	Message    string
}

// Canned failure messages attached to injected 500s. Mirrors the failure
// modes seen in real incident postmortems so error-spike samples look
// plausible.
var failureMessages = []string{
	"simulated failure: database connection timeout",
	"simulated failure: downstream service unavailable",
	"simulated failure: out of memory error",
	"simulated failure: circuit breaker open",
	"simulated failure: rate limit exceeded",
}

// Injector is the process-wide fault table.
//
// # Description
//
// Maps endpoint paths to fault rules. The table is read on every request
// and mutated only through the simulation control surface, so a
// read-mostly RWMutex guards it. The random source is injectable for
// deterministic tests.
//
// # Thread Safety
//
// Safe for concurrent use.
type Injector struct {
	mu    sync.RWMutex
	rules map[string]Rule

	// randFloat returns a uniform draw in [0,1). Replaceable in tests.
	randFloat func() float64
}

// NewInjector creates an empty fault table.
func NewInjector() *Injector {
	return &Injector{
		rules:     make(map[string]Rule),
		randFloat: rand.Float64,
	}
}

// SetRandSource replaces the uniform random source. Tests inject a
// deterministic sequence here.
func (i *Injector) SetRandSource(f func() float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.randFloat = f
}

// Set installs or replaces the rule for an endpoint. An all-zero rule
// removes the entry.
func (i *Injector) Set(endpoint string, rule Rule) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if rule.DelayMS <= 0 && rule.ErrorRate <= 0 {
		delete(i.rules, endpoint)
		return
	}
	if rule.ErrorRate > 1 {
		rule.ErrorRate = 1
	}
	i.rules[endpoint] = rule
}

// SetDelay configures only the delay for an endpoint, keeping any
// configured error rate.
func (i *Injector) SetDelay(endpoint string, delayMS int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r := i.rules[endpoint]
	r.DelayMS = delayMS
	i.rules[endpoint] = r
}

// SetErrorRate configures only the error rate for an endpoint, clamped to
// [0,1], keeping any configured delay.
func (i *Injector) SetErrorRate(endpoint string, rate float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r := i.rules[endpoint]
	switch {
	case rate < 0:
		r.ErrorRate = 0
	case rate > 1:
		r.ErrorRate = 1
	default:
		r.ErrorRate = rate
	}
	i.rules[endpoint] = r
}

// Clear removes the rule for one endpoint.
func (i *Injector) Clear(endpoint string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.rules, endpoint)
}

// ClearAll empties the fault table.
func (i *Injector) ClearAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules = make(map[string]Rule)
}

// Snapshot returns a copy of the current fault table.
func (i *Injector) Snapshot() map[string]Rule {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]Rule, len(i.rules))
	for ep, r := range i.rules {
		out[ep] = r
	}
	return out
}

// Check evaluates the fault table for one request.
//
// # Description
//
// Captures the rule at request start: the delay to apply and, if the
// error-rate draw triggers, the canned failure to return. Subsequent
// configuration changes do not affect this request.
func (i *Injector) Check(endpoint string) Decision {
	i.mu.RLock()
	rule, ok := i.rules[endpoint]
	draw := i.randFloat
	i.mu.RUnlock()

	if !ok {
		return Decision{}
	}

	d := Decision{Delay: time.Duration(rule.DelayMS) * time.Millisecond}
	if rule.ErrorRate > 0 && draw() < rule.ErrorRate {
		d.ForceError = true
		d.Message = failureMessages[int(draw()*float64(len(failureMessages)))%len(failureMessages)]
	}
	return d
}

// Middleware returns gin middleware that realizes configured faults.
//
// Delay is applied first; a triggered error aborts the chain with HTTP
// 500 and records the canned message on the gin context so the telemetry
// collector captures it.
func (i *Injector) Middleware() gin.HandlerFunc {
	return func(gc *gin.Context) {
		d := i.Check(gc.Request.URL.Path)
		if d.Delay > 0 {
			time.Sleep(d.Delay)
		}
		if d.ForceError {
			_ = gc.Error(&simulatedFailure{message: d.Message})
			gc.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": d.Message,
			})
			return
		}
		gc.Next()
	}
}

// simulatedFailure distinguishes injected faults from real handler errors.
type simulatedFailure struct {
	message string
}

func (e *simulatedFailure) Error() string { return e.message }
