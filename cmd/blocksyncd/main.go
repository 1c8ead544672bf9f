package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/config"
	"github.com/blocksyncd/blocksyncd/internal/db"
	"github.com/blocksyncd/blocksyncd/internal/engine"
	"github.com/blocksyncd/blocksyncd/internal/logger"
	"github.com/blocksyncd/blocksyncd/internal/migrations"
	"github.com/blocksyncd/blocksyncd/internal/ratelimit"
	"github.com/blocksyncd/blocksyncd/internal/reorg"
	"github.com/blocksyncd/blocksyncd/internal/rpc"
	"github.com/blocksyncd/blocksyncd/internal/store"
	"github.com/blocksyncd/blocksyncd/internal/supervisor"
	"github.com/blocksyncd/blocksyncd/pkg/api"
)

const version = "1.0.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blocksyncd",
	Short: "blocksyncd - EVM chain block indexer",
	Long: `blocksyncd indexes blocks and ERC-20 transfers from an EVM chain into
SQLite. It follows the confirmed chain head, detects and repairs
reorganizations, and guarantees a single writing instance per database.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration file JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := jsonschema.Reflector{ExpandedStruct: true}
		schema := reflector.Reflect(&config.Config{})

		encoded, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode schema: %w", err)
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (optional, env vars override)")
	configCmd.AddCommand(configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging.DefaultLevel, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Close() }()
	logger.SetDefaultLogger(log)

	log.Infow("starting blocksyncd",
		"version", version,
		"instance_id", cfg.InstanceID,
		"database", common.RedactURL(cfg.DatabaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewSQLiteDBFromConfig(cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrations.RunMigrations(componentLogger(cfg, common.ComponentBlockStore), database); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	blockStore := store.New(database, componentLogger(cfg, common.ComponentBlockStore))
	defer func() { _ = blockStore.Close() }()

	chainClient, err := rpc.NewClient(ctx, cfg.RPCURLs, cfg.RPCTimeout.Duration,
		componentLogger(cfg, common.ComponentChainClient))
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain id: %w", err)
	}
	log.Infow("connected to chain", "chain_id", chainID, "endpoints", len(cfg.RPCURLs))

	limiter, err := ratelimit.New(
		cfg.RateLimit.TokensPerInterval,
		cfg.RateLimit.Interval.Duration,
		cfg.RateLimit.MaxBurst,
	)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	detector := reorg.NewDetector(chainClient, blockStore, chainID,
		componentLogger(cfg, common.ComponentReorgDetector))

	eng := engine.New(cfg, chainClient, blockStore, detector, limiter, chainID,
		componentLogger(cfg, common.ComponentEngine))

	if cfg.APIPort > 0 {
		apiServer := api.NewServer(cfg, blockStore, componentLogger(cfg, common.ComponentAPI))
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Errorw("API server error", "error", err)
			}
		}()
	}

	sup := supervisor.New(cfg, blockStore, eng, chainClient, chainID,
		componentLogger(cfg, common.ComponentSupervisor))

	err = sup.Run(ctx)
	if errors.Is(err, supervisor.ErrLockContention) {
		// Another instance is syncing; that is a healthy deployment, not a
		// failure.
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("blocksyncd stopped")
	return nil
}

// componentLogger builds a child logger at the component's configured level.
func componentLogger(cfg *config.Config, component string) *logger.Logger {
	log, err := logger.NewLogger(cfg.Logging.GetComponentLevel(component), cfg.Logging.Development)
	if err != nil {
		return logger.GetDefaultLogger().WithComponent(component)
	}
	return log.WithComponent(component)
}
