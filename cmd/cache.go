package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the enrichment cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show savings and entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := initApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(cmd.OutOrStdout(), a.Service.CacheStatistics(cmd.Context()))
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := initApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Cache.ClearExpired(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("cache sweep complete", zap.Int("removed", n))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
		return err
	},
}

var cacheServer string

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <quick|deep> <domain>",
	Short: "Drop one cached record",
	Long: "Drops one cached record. With --server the running server drops it from both tiers " +
		"immediately; otherwise it is removed from the durable tier and running servers stop " +
		"serving it once their fast tier refreshes (cache.fast_ttl_secs).",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, err := model.ParseDepth(args[0])
		if err != nil {
			return err
		}
		if cacheServer != "" {
			path := "/v1/cache/" + string(depth) + "/" + url.PathEscape(args[1])
			if _, err := callServer(cmd.Context(), serverBase(cacheServer), http.MethodDelete, path); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s %s\n", depth, args[1])
			return err
		}

		a, err := initApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Service.Invalidate(cmd.Context(), args[1], depth); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s %s\n", depth, args[1])
		return err
	},
}

func init() {
	cacheInvalidateCmd.Flags().StringVar(&cacheServer, "server", "", "drop the entry through a running server at this base URL")
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
