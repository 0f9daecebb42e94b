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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var opsClient = &http.Client{Timeout: 30 * time.Second}

// runAnalyze triggers one analysis pass on a running server.
func runAnalyze(cmd *cobra.Command, args []string) {
	body, err := opsRequest(http.MethodPost, serverURL+"/aiops/analyze", nil)
	if err != nil {
		slog.Error("analyze request failed", "error", err)
		os.Exit(1)
	}
	printJSON(body)
}

// runIncidents lists incidents on a running server.
func runIncidents(cmd *cobra.Command, args []string) {
	body, err := opsRequest(http.MethodGet, serverURL+"/aiops/incidents", nil)
	if err != nil {
		slog.Error("incident list request failed", "error", err)
		os.Exit(1)
	}
	printJSON(body)
}

func opsRequest(method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := opsClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func printJSON(body []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(pretty.String())
}
