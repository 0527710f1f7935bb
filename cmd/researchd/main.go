package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deepresearch/internal/cache"
	"deepresearch/internal/config"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/logging"
	"deepresearch/internal/telemetry"
	"deepresearch/internal/workers"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "researchd",
	Short: "Real-time research task orchestration server",
	Long: `researchd accepts research questions, decomposes them into focus areas,
researches each area with bounded concurrency and streams progress, partial
knowledge graphs and the final synthesis to subscribed clients.

Run "researchd serve" to start the server and "researchd query" to ask it
something.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "researchd.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.CloseAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Initialize(cfg.Logging.Options()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// engine is the in-process research stack shared by serve and mcp.
type engine struct {
	mgr     *coordinator.Manager
	cache   *cache.Cache
	metrics *telemetry.Metrics
	workers *workers.Set

	shutdownTelemetry func(context.Context) error
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "engine startup")
	defer timer.Stop()

	e := &engine{}
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.GetTelemetryInterval(), nil)
	if err != nil {
		return nil, err
	}
	e.shutdownTelemetry = shutdown

	if e.metrics, err = telemetry.NewMetrics(); err != nil {
		logging.TelemetryWarn("metrics unavailable: %v", err)
	}

	if e.cache, err = cache.Open(ctx, cfg.Cache, cfg.Limits.GetCacheTTL()); err != nil {
		_ = e.close(ctx)
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if e.workers, err = workers.FromConfig(ctx, cfg); err != nil {
		_ = e.close(ctx)
		return nil, fmt.Errorf("build workers: %w", err)
	}

	e.mgr = coordinator.NewManager(coordinator.Options{
		Cache:       e.cache,
		Worker:      e.workers.Worker,
		Decomposer:  e.workers.Decomposer,
		Synthesizer: e.workers.Synthesizer,
		Limits:      cfg.Limits,
		Metrics:     e.metrics,
	})
	logging.Boot("engine ready (concurrency=%d cache=%s)", cfg.Limits.MaxConcurrentTasks, cfg.Cache.Driver)
	return e, nil
}

// close releases everything except the manager, which its owner shuts down.
func (e *engine) close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if e.workers != nil {
		keep(e.workers.Close())
	}
	if e.cache != nil {
		keep(e.cache.Close())
	}
	if e.shutdownTelemetry != nil {
		keep(e.shutdownTelemetry(ctx))
	}
	return first
}

// applyReload pushes hot-reloadable settings into the running engine.
func (e *engine) applyReload(cfg *config.Config) {
	if err := e.mgr.UpdateLimits(cfg.Limits); err != nil {
		logging.ConfigWarn("limits not applied: %v", err)
	}
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.SetLevel(level); err != nil {
		logging.ConfigWarn("log level not applied: %v", err)
	}
}
