package main

import (
	"context"

	"deepresearch/internal/logging"
	"deepresearch/internal/mcp"

	"github.com/spf13/cobra"
)

var mcpPrincipal string

// mcpCmd serves the research tools over MCP stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve research tools to an MCP client over stdio",
	Long: `Runs an in-process research engine and exposes it as MCP tools:
start_research, check_research, get_research_result and cancel_research.

Logs go to stderr (or logging.output_paths); stdout carries the protocol.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpPrincipal, "principal", "mcp", "Principal that owns tasks started over MCP")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		if err := eng.mgr.Shutdown(closeCtx); err != nil {
			logging.BootWarn("coordinator shutdown: %v", err)
		}
		if err := eng.close(closeCtx); err != nil {
			logging.BootWarn("cleanup: %v", err)
		}
	}()

	srv := mcp.NewServer(eng.mgr, mcp.Options{Name: cfg.Name, Principal: mcpPrincipal})
	return srv.Run(ctx)
}
