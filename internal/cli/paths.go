package cli

import (
	"fmt"

	"github.com/pulkyeet/triarb/internal/app"
	"github.com/spf13/cobra"
)

var pathsLimit int

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List the arbitrage cycles built from the pool cache",
	RunE:  runPaths,
}

func init() {
	rootCmd.AddCommand(pathsCmd)
	pathsCmd.Flags().IntVar(&pathsLimit, "limit", 20, "number of paths to print, 0 for all")
}

func runPaths(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := app.LoadRegistry(cfg, logger)
	if err != nil {
		return err
	}
	paths, err := app.Paths(cfg, registry)
	if err != nil {
		return err
	}

	twoHop := 0
	for _, p := range paths {
		if p.Len() == 2 {
			twoHop++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d pools, %d paths (%d two hop, %d three hop)\n", registry.Len(), len(paths), twoHop, len(paths)-twoHop)
	for i, p := range paths {
		if pathsLimit > 0 && i >= pathsLimit {
			fmt.Fprintf(out, "... %d more\n", len(paths)-i)
			break
		}
		fmt.Fprintln(out, p.String())
	}
	return nil
}
