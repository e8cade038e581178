package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/pkg/activity"
	"github.com/substratehq/substrate/pkg/agent"
	"github.com/substratehq/substrate/pkg/api"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/embedding"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/offload"
	"github.com/substratehq/substrate/pkg/pool"
	"github.com/substratehq/substrate/pkg/storage"
	"github.com/substratehq/substrate/pkg/vectordb"
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
	Use:   "substrate",
	Short: "Substrate - multi-tenant compute and retrieval engine",
	Long: `Substrate hosts sandboxed code-execution kernels, vector indices
with disk offload, and LLM agents with code-execution tools behind one
namespaced HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Substrate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the substrate engine",
	Long: `Start the engine: kernel manager with pre-start pool, vector DB
manager with idle offload, agent manager, and the HTTP API server.
Configuration comes from defaults, the optional --config file, and
environment variables, in that order.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to a YAML config file")
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.Register()
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("addr", cfg.APIAddr).Msg("starting substrate")

	// Activity sweepers, one per resource family
	kernelActivity := activity.NewController(time.Second)
	kernelActivity.Start()
	defer kernelActivity.Stop()
	indexActivity := activity.NewController(time.Second)
	indexActivity.Start()
	defer indexActivity.Stop()

	var archive storage.Store
	if cfg.Kernels.HistoryDirectory != "" {
		bs, err := storage.NewBoltStore(cfg.Kernels.HistoryDirectory)
		if err != nil {
			return fmt.Errorf("failed to open history archive: %w", err)
		}
		archive = bs
		defer bs.Close()
	}

	kernels := kernel.NewManager(cfg.Kernels, nil, kernelActivity, archive)
	kernelPool := pool.New(cfg.Pool, kernels.Factory())
	kernels.SetPool(kernelPool)
	kernelPool.Preload()

	providers := embedding.NewRegistry()
	offloadStore := offload.NewStore(cfg.VectorDB.OffloadDirectory)
	vectors := vectordb.NewManager(cfg.VectorDB, offloadStore, indexActivity, providers)

	agents := agent.NewManager(cfg.Agents, kernels, nil)

	server := api.New(cfg, kernels, vectors, agents, providers)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	agents.Shutdown()
	kernels.Shutdown()
	kernelPool.Shutdown()
	vectors.Shutdown()
	logger.Info().Msg("substrate stopped")
	return nil
}
