package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulkyeet/triarb/internal/app"
	"github.com/pulkyeet/triarb/internal/backtest"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/reserves"
	"github.com/pulkyeet/triarb/internal/storage"
	"github.com/spf13/cobra"
)

var (
	replayStart uint64
	replayEnd   uint64
	replayDelay time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a block range and compare predictions with landed arbitrages",
	Long: `Seed reserves at start-1 from an archive node, then walk the range block by
block. The scanner's predictions from the state before each block are compared
with the swap cycles that actually landed in it.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Uint64Var(&replayStart, "start", 0, "first block to replay")
	replayCmd.Flags().Uint64Var(&replayEnd, "end", 0, "last block to replay")
	replayCmd.Flags().DurationVar(&replayDelay, "delay", 0, "pause between blocks")
	_ = replayCmd.MarkFlagRequired("start")
	_ = replayCmd.MarkFlagRequired("end")
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayStart == 0 || replayEnd < replayStart {
		return errors.New("--start must be positive and not after --end")
	}
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
	paths, err := app.Paths(cfg, registry)
	if err != nil {
		return err
	}
	scanner, err := app.NewScanner(cfg, registry, paths, logger, nil)
	if err != nil {
		return err
	}

	var sink backtest.OpportunitySink
	if cfg.Storage.Enabled {
		journal, err := storage.OpenJournal(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		sink = journal
	}

	fetcher := reserves.NewFetcher(client, cfg.Workers.ChunkSize, cfg.Workers.Reserves, logger)
	runner := backtest.NewRunner(client, fetcher, scanner, scanner.Tracked(), sink, replayDelay, logger)

	report, err := runner.Run(ctx, replayStart, replayEnd)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	report.Print(cmd.OutOrStdout())
	return nil
}
