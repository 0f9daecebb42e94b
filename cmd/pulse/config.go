// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/AleutianAI/pulse/services/aiops"
	"github.com/AleutianAI/pulse/services/aiops/observability"
	"github.com/AleutianAI/pulse/services/shop"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStorageError = 2
)

const defaultConfigPath = "config.yaml"

// Config is the YAML file layout for the pulse deployment.
type Config struct {
	// Listen is the HTTP bind address. Default: ":8080".
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	Engine        aiops.Config         `yaml:"engine"`
	Shop          shop.Config          `yaml:"shop"`
	Observability observability.Config `yaml:"observability"`
}

// DefaultFileConfig returns the configuration used when config.yaml is
// absent or partial.
func DefaultFileConfig() Config {
	return Config{
		Listen:        ":8080",
		LogLevel:      "info",
		Engine:        aiops.DefaultConfig(),
		Shop:          shop.DefaultConfig(),
		Observability: observability.DefaultConfig(),
	}
}
