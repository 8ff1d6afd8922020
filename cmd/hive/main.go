package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenthive/internal/config"
	"agenthive/internal/logging"
	"agenthive/internal/usage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "hive - AI agent marketplace client",
	Long: `hive talks to an AI agent marketplace from the terminal.

Browse agents, try them for free, hire them with credits and chat with
them. Conversations, credit balances, tasks and mission control stay in
sync with the server by polling in the background.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if timeout > 0 {
			cfg.API.Timeout = timeout.String()
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := logging.Initialize(logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
			Dir:        cfg.LogsDir(),
		}); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}

		tracker, err := usage.NewTracker(cfg.UsagePath())
		if err != nil {
			logger.Warn("usage tracking disabled", zap.Error(err))
			return nil
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(usage.NewContext(ctx, tracker))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tracker := usageTracker(cmd); tracker != nil {
			if err := tracker.Close(); err != nil && logger != nil {
				logger.Warn("failed to save usage", zap.Error(err))
			}
		}
		logging.Sync()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config.yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Override the API request timeout")

	rootCmd.AddCommand(
		loginCmd,
		logoutCmd,
		whoamiCmd,
		agentsCmd,
		agentCmd,
		sessionsCmd,
		chatCmd,
		trialCmd,
		hireCmd,
		creditsCmd,
		taskCmd,
		missionCmd,
		feedCmd,
		usageCmd,
		configCmd,
	)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
