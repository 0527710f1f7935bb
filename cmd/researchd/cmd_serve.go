package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"deepresearch/internal/api"
	"deepresearch/internal/auth"
	"deepresearch/internal/config"
	"deepresearch/internal/logging"
	"deepresearch/internal/session"

	"github.com/spf13/cobra"
)

var serveAddr string

// serveCmd runs the websocket and REST server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the research server",
	Long: `Starts the HTTP server exposing:
  GET    /ws                       websocket sessions
  POST   /api/v1/research          start a task (REST fallback)
  GET    /api/v1/research          list your tasks
  GET    /api/v1/research/{id}     poll a task
  DELETE /api/v1/research/{id}     cancel a task
  GET    /healthz                  health check

Concurrency limits and the log level are reloaded when the config file
changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := eng.close(closeCtx); err != nil {
			logging.BootWarn("cleanup: %v", err)
		}
	}()

	authn := auth.FromConfig(cfg.Auth, cfg.GetAuthTimeout())
	hub := session.NewHub(eng.mgr, authn, session.OptionsFrom(cfg), eng.metrics)
	srv := api.New(eng.mgr, hub, authn, eng.cache, api.Options{
		Addr:            cfg.Server.Addr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SweepInterval:   cfg.GetSweepInterval(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
		ServiceName:     cfg.Telemetry.ServiceName,
	})

	if _, err := os.Stat(configPath); err == nil {
		go func() {
			if err := config.Watch(ctx, configPath, eng.applyReload); err != nil {
				logging.ConfigWarn("config watch stopped: %v", err)
			}
		}()
	}

	logging.Boot("researchd starting on %s", cfg.Server.Addr)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
