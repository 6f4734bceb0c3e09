package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/web3ekko/ekko-explain/internal/app"
	"github.com/web3ekko/ekko-explain/internal/config"
	"github.com/web3ekko/ekko-explain/internal/logging"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	network    string
	force      bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ekko-explain",
	Short: "Explain and classify EVM transactions in plain language",
	Long: `ekko-explain simulates a transaction, condenses its call trace and asset
changes, labels the addresses involved and asks a language model to describe
what happened. Results are stored and published for other services.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "YAML configuration file, environment only when absent")
	rootCmd.PersistentFlags().StringVarP(&network, "network", "n", "ethereum", "network the transactions belong to")
	rootCmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "ignore stored results and regenerate")

	rootCmd.AddCommand(explainCmd, classifyCmd, batchCmd, chatCmd, accountCmd)
}

// withApp builds the service handles for the duration of fn
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()
	return fn(a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
