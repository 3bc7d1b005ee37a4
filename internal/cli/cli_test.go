package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flag values outlive Execute, so a previous --help would stick
func resetHelp(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

func executeCommand(args ...string) (string, error) {
	resetHelp(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writes a config with a three pool cache and a journal in a temp dir
func setupTestEnvironment(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cache := filepath.Join(dir, "pools.csv")
	require.NoError(t, pools.AppendCache(cache, []*pools.Pool{
		{Address: common.HexToAddress("0x01"), Version: pools.UniswapV2, Token0: eth.USDCAddress, Token1: eth.WETHAddress, Decimals0: 6, Decimals1: 18, Fee: pools.DefaultFee},
		{Address: common.HexToAddress("0x02"), Version: pools.UniswapV2, Token0: eth.DAIAddress, Token1: eth.USDCAddress, Decimals0: 18, Decimals1: 6, Fee: pools.DefaultFee},
		{Address: common.HexToAddress("0x03"), Version: pools.UniswapV2, Token0: eth.DAIAddress, Token1: eth.WETHAddress, Decimals0: 18, Decimals1: 18, Fee: pools.DefaultFee},
	}))

	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
pools:
  cache_file: %s
storage:
  journal_path: %s
log:
  level: warn
`, cache, filepath.Join(dir, "journal.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--help"}, "2 or 3 hop cycle"},
		{[]string{"run", "--help"}, "Seed reserves at the head block"},
		{[]string{"replay", "--help"}, "--start"},
		{[]string{"pools", "sync", "--help"}, "PairCreated"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			out, err := executeCommand(tt.args...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestPathsCommand(t *testing.T) {
	cfgPath := setupTestEnvironment(t)

	out, err := executeCommand("paths", "--config", cfgPath, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "3 pools, 2 paths (0 two hop, 2 three hop)")
	assert.Contains(t, out, "... 1 more")
}

func TestJournalCommands(t *testing.T) {
	cfgPath := setupTestEnvironment(t)
	out := filepath.Join(t.TempDir(), "opps.parquet")

	res, err := executeCommand("export", "--config", cfgPath, "--out", out)
	require.NoError(t, err)
	assert.Contains(t, res, "exported 0 rows")

	res, err = executeCommand("stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, res, "opportunities")
	assert.Contains(t, res, "pending_txs")
}

func TestReplayRejectsBadRange(t *testing.T) {
	_, err := executeCommand("replay", "--start", "10", "--end", "5")
	assert.Error(t, err)
}

func TestRunRequiresEndpoints(t *testing.T) {
	cfgPath := setupTestEnvironment(t)
	_, err := executeCommand("run", "--config", cfgPath)
	assert.ErrorContains(t, err, "rpc.http_url is required")
}
