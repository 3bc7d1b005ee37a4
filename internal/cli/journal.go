package cli

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pulkyeet/triarb/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportOut     string
	exportFrom    uint64
	exportTo      uint64
	exportPending bool
	ingestIn      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journaled opportunities or pending tx sightings to parquet",
	RunE:  runExport,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load pending tx sightings from a mempool-dumpster style parquet file",
	RunE:  runIngest,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print journal row counts",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(exportCmd, ingestCmd, statsCmd)

	exportCmd.Flags().StringVar(&exportOut, "out", "", "output parquet file")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "first block of opportunities to export")
	exportCmd.Flags().Uint64Var(&exportTo, "to", 0, "last block of opportunities to export, 0 for no limit")
	exportCmd.Flags().BoolVar(&exportPending, "pending", false, "export pending tx sightings instead of opportunities")
	_ = exportCmd.MarkFlagRequired("out")

	ingestCmd.Flags().StringVar(&ingestIn, "in", "", "input parquet file")
	_ = ingestCmd.MarkFlagRequired("in")
}

func openJournal() (*storage.Journal, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Storage.JournalPath == "" {
		return nil, errors.New("storage.journal_path not set")
	}
	return storage.OpenJournal(cfg.Storage.JournalPath)
}

func runExport(cmd *cobra.Command, args []string) error {
	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	to := exportTo
	if to == 0 {
		to = math.MaxInt64
	}
	if to < exportFrom {
		return errors.New("--to is before --from")
	}

	var n int
	if exportPending {
		n, err = journal.ExportPendingTxs(exportOut)
	} else {
		n, err = journal.ExportOpportunities(exportOut, exportFrom, to)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d rows to %s\n", n, exportOut)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	journal, err := storage.OpenJournal(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	n, err := journal.IngestPendingTxs(ingestIn, cfg.Storage.PendingBatch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d rows from %s\n", n, ingestIn)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	stats, err := journal.GetStats()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", k, stats[k])
	}
	return nil
}
