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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pulse/services/aiops"
	"github.com/AleutianAI/pulse/services/aiops/observability"
	"github.com/AleutianAI/pulse/services/shop"
)

// runServe starts the monitored demo service with the engine embedded.
//
// The storefront routes carry the injection and collector middleware;
// the engine's own surface and /metrics are excluded from analysis.
func runServe(cmd *cobra.Command, args []string) {
	engineCfg := config.Engine
	if scenarioPath != "" {
		engineCfg.ScenarioFile = scenarioPath
	}

	provider, err := observability.Init(config.Observability)
	if err != nil {
		slog.Error("observability init failed", "error", err)
		os.Exit(exitConfigError)
	}

	engine, err := aiops.NewEngine(engineCfg)
	if err != nil {
		slog.Error("engine init failed", "error", err)
		os.Exit(exitStorageError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(exitStorageError)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Engine surface first; the collector skips these prefixes anyway,
	// but keeping them off the instrumented group makes intent explicit.
	aiops.RegisterRoutes(&router.RouterGroup, aiops.NewHandlers(engine))
	if h := provider.Handler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	monitored := router.Group("/")
	monitored.Use(engine.Collector().Middleware())
	monitored.Use(engine.Injector().Middleware())
	shop.NewService(config.Shop).RegisterRoutes(monitored)

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pulse server listening", "addr", config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(exitConfigError)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Warn("engine stop incomplete", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("observability shutdown incomplete", "error", err)
	}
	os.Exit(exitOK)
}
