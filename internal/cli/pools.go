package cli

import (
	"fmt"

	"github.com/pulkyeet/triarb/internal/app"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/spf13/cobra"
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Manage the pool cache",
}

var poolsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Discover new pairs from factory PairCreated logs and append them to the cache",
	RunE:  runPoolsSync,
}

func init() {
	rootCmd.AddCommand(poolsCmd)
	poolsCmd.AddCommand(poolsSyncCmd)
}

func runPoolsSync(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	client, err := eth.Dial(ctx, cfg.RPC.HTTPURL)
	if err != nil {
		return err
	}
	defer client.Close()

	registry, err := app.LoadRegistry(cfg, logger)
	if err != nil {
		return err
	}
	n, err := app.SyncPools(ctx, cfg, client, registry, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d new pools, %d total in %s\n", n, registry.Len(), cfg.Pools.CacheFile)
	return nil
}
