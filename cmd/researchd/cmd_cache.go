package main

import (
	"fmt"
	"strings"

	"deepresearch/internal/cache"

	"github.com/spf13/cobra"
)

// cacheCmd inspects the persistent result cache
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain the result cache",
	Long: `Operates on the cache backend named in the config. Only the sqlite and
postgres drivers persist between runs; the memory driver is always empty
here.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached results",
	RunE:  runCacheStats,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired cache entries",
	RunE:  runCachePurge,
}

var cacheForgetCmd = &cobra.Command{
	Use:   "forget [query]",
	Short: "Drop the cached result for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheForget,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheForgetCmd)
}

func openCache(cmd *cobra.Command) (*cache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cache.Open(cmd.Context(), cfg.Cache, cfg.Limits.GetCacheTTL())
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Len(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nttl: %v\n", n, c.TTL())
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Purge(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired entries\n", n)
	return nil
}

func runCacheForget(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	query := joinArgs(args)
	if err := c.Invalidate(cmd.Context(), query); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "forgot %q (key %s)\n", cache.Normalize(query), cache.Key(query)[:12])
	return nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
