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
	"github.com/spf13/cobra"
)

var (
	configPath   string
	scenarioPath string
	serverURL    string

	rootCmd = &cobra.Command{
		Use:   "pulse",
		Short: "A cli to run and query the pulse operations-intelligence engine",
		Long: `Pulse embeds an operations-intelligence engine into a monitored
service: it collects per-request telemetry, learns latency baselines,
detects anomalies, correlates them across traces into incidents, and
exposes a query/command surface for operators.`,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the monitored demo service with the engine embedded",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Operations ---
	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Trigger one analysis pass on a running server and print the result",
		Run:   runAnalyze, // Defined in cmd_analyze.go
	}
	incidentsCmd = &cobra.Command{
		Use:   "incidents",
		Short: "List incidents on a running server",
		Run:   runIncidents, // Defined in cmd_analyze.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to the YAML configuration file")

	serveCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Injection scenario YAML to load and hot-reload")

	analyzeCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Base URL of the running server")
	incidentsCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Base URL of the running server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(incidentsCmd)
}
