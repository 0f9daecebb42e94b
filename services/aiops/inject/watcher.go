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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Scenario is a named set of fault rules loaded from a YAML file:
//
//	name: payment-brownout
//	endpoints:
//	  /payment:
//	    delay_ms: 1200
//	    error_rate: 0.3
type Scenario struct {
	Name      string          `yaml:"name"`
	Endpoints map[string]Rule `yaml:"endpoints"`
}

// LoadScenarioFile parses a scenario YAML file.
func LoadScenarioFile(path string) (Scenario, error) {
	var sc Scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read scenario file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario file %s: %w", path, err)
	}
	for ep, rule := range sc.Endpoints {
		if rule.ErrorRate < 0 || rule.ErrorRate > 1 {
			return sc, fmt.Errorf("scenario %s: endpoint %s: error_rate %f outside [0,1]", path, ep, rule.ErrorRate)
		}
		if rule.DelayMS < 0 {
			return sc, fmt.Errorf("scenario %s: endpoint %s: negative delay_ms", path, ep)
		}
	}
	return sc, nil
}

// Apply replaces the injector's fault table with the scenario's rules.
func (s Scenario) Apply(inj *Injector) {
	inj.ClearAll()
	for ep, rule := range s.Endpoints {
		inj.Set(ep, rule)
	}
}

// Watcher hot-reloads a scenario file into an Injector whenever the file
// changes on disk.
//
// # Description
//
// Watches the scenario file's directory (editors often replace files by
// rename, which drops a watch on the file itself) and re-applies the
// scenario on every write or create event for the watched path. A file
// that fails to parse is logged and skipped; the previous fault table
// stays in effect.
type Watcher struct {
	inj    *Injector
	path   string
	fsw    *fsnotify.Watcher
	doneCh chan struct{}
}

// NewWatcher creates a watcher for the given scenario file. The file is
// applied once immediately if it exists.
func NewWatcher(inj *Injector, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create scenario watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch scenario directory: %w", err)
	}

	w := &Watcher{inj: inj, path: path, fsw: fsw, doneCh: make(chan struct{})}
	if _, err := os.Stat(path); err == nil {
		w.reload()
	}
	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop halts watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	close(w.doneCh)
	w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.doneCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("scenario watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	sc, err := LoadScenarioFile(w.path)
	if err != nil {
		slog.Warn("scenario reload skipped", "path", w.path, "error", err)
		return
	}
	sc.Apply(w.inj)
	slog.Info("failure scenario applied",
		"path", w.path,
		"scenario", sc.Name,
		"endpoints", len(sc.Endpoints),
	)
}
