// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serve implements the relay serve command: it wires the
// registry, session manager, resilience guards, audit store, and
// metrics endpoint together and serves tools over MCP stdio.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/tombee/relay/internal/audit"
	"github.com/tombee/relay/internal/commands/shared"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/registry"
	"github.com/tombee/relay/internal/resilience/breaker"
	"github.com/tombee/relay/internal/resilience/timeout"
	"github.com/tombee/relay/internal/session"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay MCP server",
		Long: `Start the relay MCP server over stdio.

The server exposes the registered tools to MCP clients. Tool execution
runs through the resilience stack: structural input validation, a
per-dependency circuit breaker, and bounded timeouts with retries.
Logs go to stderr; stdout carries the protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to relay.yaml")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := log.FromEnv()
	if logCfg.Level == "info" {
		logCfg.Level = cfg.Log.Level
	}
	logCfg.Format = log.Format(cfg.Log.Format)
	logger := log.New(logCfg)

	versions, err := cfg.ProtocolVersions()
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Config{
		MaxSessions:       cfg.Sessions.MaxSessions,
		SessionTimeout:    cfg.Sessions.SessionTimeout,
		SweepInterval:     cfg.Sessions.SweepInterval,
		SupportedVersions: versions,
		DefaultVersion:    versions[0],
		Logger:            logger,
	})
	sessions.Start()
	defer sessions.Stop()

	regCfg := registry.Config{Logger: logger}
	if cfg.Audit.Enabled {
		store, err := audit.New(audit.Config{
			Path:      cfg.Audit.Path,
			QueueSize: cfg.Audit.QueueSize,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		regCfg.Audit = store
	}
	reg := registry.New(regCfg)

	versionStr, _, _ := shared.GetVersion()

	var collector *metrics.Collector
	var metricsSrv *http.Server
	gaugeStop := make(chan struct{})
	if cfg.Metrics.Enabled {
		provider, err := metrics.NewProvider(cfg.Server.Name, versionStr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		collector = provider.Collector()

		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					collector.SetActiveSessions(sessions.Metrics().Active)
				case <-gaugeStop:
					return
				}
			}
		}()
	}
	defer close(gaugeStop)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		MonitoringWindow: cfg.Breaker.MonitoringWindow,
	}
	if collector != nil {
		breakerCfg.OnStateChange = func(name string, from, to breaker.State) {
			collector.RecordBreakerTransition(context.Background(), name, string(from), string(to))
		}
	}
	breakers := breaker.NewManager(breakerCfg)
	timeouts := timeout.NewManager(logger)

	if err := registerBuiltinTools(reg, sessions, breakers, timeouts, collector, cfg); err != nil {
		return err
	}

	srv := mcpserver.NewMCPServer(cfg.Server.Name, versionStr)
	reg.AttachMCP(srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		os.Exit(0)
	}()

	logger.Info("relay serving over stdio",
		"tools", len(reg.List(true)), "max_sessions", cfg.Sessions.MaxSessions)
	if err := mcpserver.ServeStdio(srv); err != nil {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}

// registerBuiltinTools installs the introspection tools every relay
// deployment carries. Handlers run through the breaker/timeout guard
// chain so operational tools exercise the same path as user tools.
func registerBuiltinTools(reg *registry.Registry, sessions *session.Manager, breakers *breaker.Manager, timeouts *timeout.Manager, collector *metrics.Collector, cfg *config.Config) error {
	guard := func(name string, h registry.Handler) registry.Handler {
		brk := breakers.GetOrCreate(name, breaker.Config{})
		opts := timeout.Options{
			Timeout:    cfg.Timeouts.RequestTimeout,
			Retries:    cfg.Timeouts.Retries,
			RetryDelay: cfg.Timeouts.RetryDelay,
		}
		return func(ctx context.Context, input map[string]any) (any, error) {
			op := timeouts.Wrap(name, opts, func(ctx context.Context) (any, error) {
				var out any
				err := brk.Execute(ctx, func(ctx context.Context) error {
					var handlerErr error
					out, handlerErr = h(ctx, input)
					return handlerErr
				})
				return out, err
			})
			start := time.Now()
			out, err := op(ctx)
			if collector != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				collector.RecordToolCall(ctx, name, status, time.Since(start))
			}
			return out, err
		}
	}

	tools := []struct {
		tool       registry.Tool
		capability *registry.Capability
	}{
		{
			tool: registry.Tool{
				Name:        "relay/echo",
				Description: "Echo a message back, for connectivity checks",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message": map[string]any{
							"type":        "string",
							"description": "The message to echo",
						},
					},
					"required": []any{"message"},
				},
				Handler: func(_ context.Context, input map[string]any) (any, error) {
					return input["message"], nil
				},
			},
			capability: &registry.Capability{Category: "relay", Tags: []string{"diagnostics"}},
		},
		{
			tool: registry.Tool{
				Name:        "relay/registry_stats",
				Description: "Report tool catalog composition and usage statistics",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				Handler: func(_ context.Context, _ map[string]any) (any, error) {
					return reg.Stats(), nil
				},
			},
			capability: &registry.Capability{Category: "relay", Tags: []string{"diagnostics"}},
		},
		{
			tool: registry.Tool{
				Name:        "relay/session_metrics",
				Description: "Report live session counts",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
				Handler: func(_ context.Context, _ map[string]any) (any, error) {
					return sessions.Metrics(), nil
				},
			},
			capability: &registry.Capability{Category: "relay", Tags: []string{"diagnostics"}},
		},
	}

	for _, t := range tools {
		t.tool.Handler = guard(t.tool.Name, t.tool.Handler)
		if err := reg.Register(t.tool, t.capability); err != nil {
			return err
		}
	}
	return nil
}
