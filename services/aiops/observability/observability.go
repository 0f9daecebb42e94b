// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter and exposes the /metrics handler.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config controls metric export behavior.
type Config struct {
	// ServiceName identifies this service in exported metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version string for this service.
	ServiceVersion string `yaml:"service_version"`

	// Enabled turns metric export on. When false, Init is a no-op and
	// Handler returns nil.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns opinionated defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "pulse",
		ServiceVersion: "1.0.0",
		Enabled:        true,
	}
}

// Provider owns the meter provider and the scrape handler.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	handler http.Handler
}

// Init sets up the OTel meter provider with a Prometheus reader and
// installs it globally.
//
// # Outputs
//
//   - *Provider: Ready for Meter() and Handler() calls. Never nil on
//     success; a disabled config yields a provider with a nil handler.
//   - error: Exporter or resource construction failures.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	// Build resource (service identity) using standard attribute keys
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	// The OTel prometheus exporter registers with the default prometheus
	// registry, so promhttp.Handler() includes our metrics.
	return &Provider{mp: mp, handler: promhttp.Handler()}, nil
}

// Handler returns the /metrics scrape handler, or nil when disabled.
func (p *Provider) Handler() http.Handler { return p.handler }

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
