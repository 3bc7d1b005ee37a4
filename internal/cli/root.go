package cli

import (
	"fmt"
	"os"

	"github.com/pulkyeet/triarb/internal/config"
	"github.com/pulkyeet/triarb/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	logLevel string
	devLog   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "searcher",
	Short: "Triangular arbitrage searcher for constant-product AMMs",
	Long: `searcher watches new blocks, keeps a reserve cache for every pool on a
2 or 3 hop cycle from the base token, and prices each cycle after every
block. Profitable cycles are sized, checked against gas and sent to a
private relay as single transaction bundles.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides log.level")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "human readable development logging")
}

// setup loads the config and builds the logger every command shares
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if devLog {
		cfg.Log.Development = true
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}
