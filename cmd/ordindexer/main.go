package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brc420/ordindexer/pkg/cache"
	"github.com/brc420/ordindexer/pkg/config"
	"github.com/brc420/ordindexer/pkg/gateway"
	"github.com/brc420/ordindexer/pkg/health"
	"github.com/brc420/ordindexer/pkg/indexer"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/brc420/ordindexer/pkg/processor"
	"github.com/brc420/ordindexer/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ordindexer",
	Short:   "ordindexer indexes BRC-420 deploys/mints and bitmap claims from Bitcoin Ordinals",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ordindexer version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexing driver loop and its metrics/health HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		metrics.RegisterComponent("store", true, "connected")

		c, err := cache.New(cfg.RedisURL, cache.DefaultRemoteTTL)
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}

		g := gateway.NewClient(cfg)
		proc := processor.New(g, s, c, cfg.RetryBlockDelay)

		ix := indexer.New(g, s, c, proc, indexer.Config{
			StartBlock:       cfg.StartBlock,
			ConcurrencyLimit: cfg.ConcurrencyLimit,
			RecoveryPause:    cfg.RecoveryPause,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ix.Start(ctx)
		defer ix.Stop()

		metrics.RegisterComponent("gateway", false, "initializing")
		checkers := map[string]health.Checker{
			"gateway": health.NewHTTPChecker(cfg.APIURL + "/r/blockheight"),
		}
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			checkers["cache"] = health.NewTCPChecker(opts.Addr)
		}
		monitor := health.NewMonitor(checkers, 30*time.Second)
		monitor.Start()
		defer monitor.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		addr := fmt.Sprintf(":%d", cfg.Port)
		srv := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("metrics/health server listening on %s", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
		case err := <-errCh:
			log.Errorf("http server error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http server shutdown error", err)
		}

		log.Info("shutdown complete")
		return nil
	},
}
