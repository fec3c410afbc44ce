package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/core"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
	"github.com/mohammad-safakhou/docgen/internal/server"
	"github.com/mohammad-safakhou/docgen/internal/store"
)

func main() {
	var configPath string
	root := &cobra.Command{Use: "docgen", Short: "Plan-driven document generation"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var docKind string
	var noCache bool
	generate := &cobra.Command{
		Use:   "generate [request]",
		Short: "Generate one document and write it to the data directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			request := args[0]
			for _, a := range args[1:] {
				request += " " + a
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel := telemetry.NewTelemetry(cfg.Telemetry)

			var cache core.SnippetCache
			if !noCache {
				if redisCache, err := store.NewRedisCache(ctx, cfg.Storage.Redis, cfg.Retrieval.CacheTTL); err == nil {
					cache = redisCache
					defer redisCache.Close()
				}
			}

			sink := core.NewFileSink(cfg.Storage.File.DataDir)
			pipeline := core.NewPipeline(cfg, cache, tel, sink)

			runID := uuid.NewString()
			result, err := pipeline.Run(ctx, runID, request, core.ParseDocKind(docKind))
			if err != nil {
				return err
			}

			fmt.Println(result.Summary)
			fmt.Printf("document written to %s\n", filepath.Join(cfg.Storage.File.DataDir, runID, "document.md"))
			return nil
		},
	}
	generate.Flags().StringVar(&docKind, "kind", "technical", "document kind: technical, user_manual, research, tutorial")
	generate.Flags().BoolVar(&noCache, "no-cache", false, "skip the snippet cache")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr := os.Getenv("DOCGEN_HTTP_ADDR"); addr != "" {
				cfg.Server.Addr = addr
			}
			return server.Run(cfg)
		},
	}

	root.AddCommand(generate, serve)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
