// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inject

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadScenarioFile verifies a valid scenario parses and applies.
func TestLoadScenarioFile(t *testing.T) {
	path := writeScenario(t, `
name: payment-brownout
endpoints:
  /payment:
    delay_ms: 1200
    error_rate: 0.3
  /inventory:
    delay_ms: 50
`)

	sc, err := LoadScenarioFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Name != "payment-brownout" {
		t.Fatalf("unexpected name %q", sc.Name)
	}

	inj := NewInjector()
	inj.SetErrorRate("/stale", 1.0) // must be replaced, not merged
	sc.Apply(inj)

	table := inj.Snapshot()
	if len(table) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(table))
	}
	if _, ok := table["/stale"]; ok {
		t.Fatal("Apply must replace the previous table")
	}
	if table["/payment"].DelayMS != 1200 || table["/payment"].ErrorRate != 0.3 {
		t.Fatalf("unexpected /payment rule %+v", table["/payment"])
	}
}

// TestLoadScenarioFileRejectsBadRate verifies validation.
func TestLoadScenarioFileRejectsBadRate(t *testing.T) {
	path := writeScenario(t, `
name: broken
endpoints:
  /payment:
    error_rate: 1.5
`)
	if _, err := LoadScenarioFile(path); err == nil {
		t.Fatal("expected error for rate outside [0,1]")
	}

	path = writeScenario(t, `
name: broken
endpoints:
  /payment:
    delay_ms: -10
`)
	if _, err := LoadScenarioFile(path); err == nil {
		t.Fatal("expected error for negative delay")
	}
}

// TestLoadScenarioFileMissing verifies the read error surfaces.
func TestLoadScenarioFileMissing(t *testing.T) {
	if _, err := LoadScenarioFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// waitForRule polls the injector until the endpoint's delay matches or
// the deadline passes.
func waitForRule(t *testing.T, inj *Injector, endpoint string, delayMS int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rule, ok := inj.Snapshot()[endpoint]; ok && rule.DelayMS == delayMS {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("rule %s with delay %d never applied, table %+v", endpoint, delayMS, inj.Snapshot())
}

// TestWatcherHotReload verifies a rewritten scenario file replaces the
// fault table without a restart.
func TestWatcherHotReload(t *testing.T) {
	path := writeScenario(t, `
name: v1
endpoints:
  /payment:
    delay_ms: 100
`)

	inj := NewInjector()
	w, err := NewWatcher(inj, path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// NewWatcher applies the existing file once before watching.
	if rule, ok := inj.Snapshot()["/payment"]; !ok || rule.DelayMS != 100 {
		t.Fatalf("initial scenario not applied, table %+v", inj.Snapshot())
	}

	w.Start()

	err = os.WriteFile(path, []byte(`
name: v2
endpoints:
  /checkout:
    delay_ms: 250
`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	waitForRule(t, inj, "/checkout", 250)
	if _, ok := inj.Snapshot()["/payment"]; ok {
		t.Fatal("reload must replace the table, not merge into it")
	}
}

// TestWatcherKeepsTableOnBadReload verifies a file that fails validation
// leaves the previous fault table in effect.
func TestWatcherKeepsTableOnBadReload(t *testing.T) {
	path := writeScenario(t, `
name: good
endpoints:
  /payment:
    delay_ms: 100
`)

	inj := NewInjector()
	w, err := NewWatcher(inj, path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.Start()

	// A sentinel write proves the watcher is delivering events before the
	// bad file lands.
	err = os.WriteFile(path, []byte(`
name: good-v2
endpoints:
  /payment:
    delay_ms: 150
`), 0600)
	if err != nil {
		t.Fatal(err)
	}
	waitForRule(t, inj, "/payment", 150)

	err = os.WriteFile(path, []byte(`
name: broken
endpoints:
  /payment:
    error_rate: 2.0
`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	// The broken file is skipped; the previous rule survives. A short
	// settle window lets the event get processed.
	time.Sleep(300 * time.Millisecond)
	if rule, ok := inj.Snapshot()["/payment"]; !ok || rule.DelayMS != 150 {
		t.Fatalf("previous table lost after bad reload, table %+v", inj.Snapshot())
	}
}
