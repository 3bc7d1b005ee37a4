package cli

import (
	"context"
	"fmt"

	"github.com/pulkyeet/triarb/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live searcher",
	Long: `Seed reserves at the head block, then follow new heads over the websocket
endpoint until interrupted. With executor.enabled the best opportunities are
submitted as bundles, otherwise they are only logged and journaled.`,
	RunE: runSearcher,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSearcher(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	searcher := app.New(cfg, logger)
	if err := searcher.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(cmd.Context(), searcher.StartTimeout())
	defer cancel()
	if err := searcher.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	sig := <-searcher.Wait()
	logger.Info("shutting down", zap.Int("exit_code", sig.ExitCode))

	stopCtx, cancelStop := context.WithTimeout(context.Background(), searcher.StopTimeout())
	defer cancelStop()
	if err := searcher.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop cleanly: %w", err)
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("searcher exited with code %d", sig.ExitCode)
	}
	return nil
}
