// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package incident

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/pulse/services/aiops/anomaly"
	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
)

// Registry errors.
var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidTransition = errors.New("invalid incident state transition")
)

// Config holds the registry parameters.
type Config struct {
	// TTL is how long an active incident may go without updates before it
	// is auto-closed. Acknowledged incidents never auto-close.
	// Default: 30 minutes.
	TTL time.Duration
}

// DefaultConfig returns the production registry parameters.
func DefaultConfig() Config {
	return Config{TTL: 30 * time.Minute}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Severity anomaly.Severity
	Status   Status
	Endpoint string // matches the root-cause endpoint
}

// Registry is the in-memory set of known incidents.
//
// # Description
//
// Owns every Incident in the process. Mutations come from the analysis
// task (upserts, TTL expiry) and from the command surface (acknowledge,
// resolve); a single mutex serializes them. Reads return deep copies, so
// callers always hold a consistent snapshot. Resolved incidents stay
// retrievable for one expiration pass before being dropped.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	incidents map[string]*Incident

	// resolvedSeen marks resolved incidents already seen by one
	// expiration pass; they are removed on the next.
	resolvedSeen map[string]bool

	cfg Config
	clk aclock.Clock
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, clk aclock.Clock) *Registry {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		incidents:    make(map[string]*Incident),
		resolvedSeen: make(map[string]bool),
		cfg:          cfg,
		clk:          clk,
	}
}

// Upsert stores the incident, replacing any previous version with the
// same id.
func (r *Registry) Upsert(inc Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := inc.clone()
	r.incidents[inc.ID] = &stored
}

// Get returns one incident by id.
func (r *Registry) Get(id string) (Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inc.clone(), nil
}

// List returns the incidents matching the filter, ordered by severity
// (critical first) then first-detected time.
func (r *Registry) List(f Filter) []Incident {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Incident
	for _, inc := range r.incidents {
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Endpoint != "" && inc.RootCause.Endpoint != f.Endpoint {
			continue
		}
		out = append(out, inc.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].FirstDetected.Before(out[j].FirstDetected)
	})
	return out
}

// FindOpenByRoot returns the unresolved incident with the given root
// endpoint whose last update falls within the correlation window, if one
// exists. The RCA engine merges into it instead of opening a duplicate.
func (r *Registry) FindOpenByRoot(endpoint string, within time.Duration) (Incident, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clk.Now().Add(-within)
	for _, inc := range r.incidents {
		if inc.Status == StatusResolved {
			continue
		}
		if inc.RootCause.Endpoint == endpoint && !inc.LastUpdated.Before(cutoff) {
			return inc.clone(), true
		}
	}
	return Incident{}, false
}

// Acknowledge transitions an active incident to acknowledged.
//
// Acknowledged incidents are exempt from TTL auto-close; they must be
// resolved explicitly.
func (r *Registry) Acknowledge(id string) (Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch inc.Status {
	case StatusActive:
		inc.Status = StatusAcknowledged
		inc.LastUpdated = r.clk.Now()
	case StatusAcknowledged:
		// Idempotent.
	default:
		return Incident{}, fmt.Errorf("%w: cannot acknowledge %s incident %s", ErrInvalidTransition, inc.Status, id)
	}
	return inc.clone(), nil
}

// Resolve transitions an incident to resolved with an optional note. The
// incident stays retrievable until the expiration pass after next.
func (r *Registry) Resolve(id, note string) (Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc, ok := r.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inc.Status == StatusResolved {
		return inc.clone(), nil
	}
	now := r.clk.Now()
	inc.Status = StatusResolved
	inc.ResolvedAt = now
	inc.ResolutionNote = note
	inc.LastUpdated = now
	return inc.clone(), nil
}

// ExpirePass applies TTL expiry and resolved-incident cleanup. Called
// once per analysis pass.
//
// # Description
//
// Active incidents whose last update is older than the TTL are
// auto-closed and removed. Acknowledged incidents are never auto-closed.
// Resolved incidents survive exactly one pass after resolution so
// callers holding the id can still read the final state, then disappear.
//
// # Outputs
//
//   - int: Number of incidents removed this pass.
func (r *Registry) ExpirePass() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clk.Now().Add(-r.cfg.TTL)
	removed := 0
	for id, inc := range r.incidents {
		switch inc.Status {
		case StatusActive:
			if inc.LastUpdated.Before(cutoff) {
				delete(r.incidents, id)
				removed++
				slog.Info("incident auto-closed by TTL",
					"incident_id", id,
					"root_endpoint", inc.RootCause.Endpoint,
				)
			}
		case StatusResolved:
			if r.resolvedSeen[id] {
				delete(r.incidents, id)
				delete(r.resolvedSeen, id)
				removed++
			} else {
				r.resolvedSeen[id] = true
			}
		}
	}
	return removed
}

// ActiveCount returns the number of incidents not yet resolved.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inc := range r.incidents {
		if inc.Status != StatusResolved {
			n++
		}
	}
	return n
}
