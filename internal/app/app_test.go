package app

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/triarb/internal/config"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

var (
	wethUSDC = &pools.Pool{Address: common.HexToAddress("0x01"), Version: pools.UniswapV2, Token0: eth.USDCAddress, Token1: eth.WETHAddress, Decimals0: 6, Decimals1: 18, Fee: pools.DefaultFee}
	usdcDAI  = &pools.Pool{Address: common.HexToAddress("0x02"), Version: pools.UniswapV2, Token0: eth.DAIAddress, Token1: eth.USDCAddress, Decimals0: 18, Decimals1: 6, Fee: pools.DefaultFee}
	daiWETH  = &pools.Pool{Address: common.HexToAddress("0x03"), Version: pools.UniswapV2, Token0: eth.DAIAddress, Token1: eth.WETHAddress, Decimals0: 18, Decimals1: 18, Fee: pools.DefaultFee}
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pools.CacheFile = filepath.Join(t.TempDir(), "pools.csv")
	require.NoError(t, pools.AppendCache(cfg.Pools.CacheFile, []*pools.Pool{wethUSDC, usdcDAI, daiWETH}))
	return cfg
}

func TestScannerFromCache(t *testing.T) {
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)

	registry, err := LoadRegistry(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, 3, registry.Len())

	paths, err := Paths(cfg, registry)
	require.NoError(t, err)
	// one triangle, both directions
	assert.Len(t, paths, 2)

	scanner, err := NewScanner(cfg, registry, paths, logger, nil)
	require.NoError(t, err)
	assert.Len(t, scanner.Tracked(), 3)
}

func TestScannerNonNativeBaseUsesPricePool(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Base = "USDC"
	cfg.Strategy.MaxAmountIn = "100000"
	logger := zaptest.NewLogger(t)

	registry, err := LoadRegistry(cfg, logger)
	require.NoError(t, err)
	paths, err := Paths(cfg, registry)
	require.NoError(t, err)

	_, err = NewScanner(cfg, registry, paths, logger, nil)
	require.NoError(t, err)

	cfg.Strategy.PricePool = "0x00000000000000000000000000000000000000ff"
	_, err = NewScanner(cfg, registry, paths, logger, nil)
	assert.Error(t, err)
}

func TestBlacklistRemovesPaths(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Blacklist = []string{"DAI"}
	registry, err := LoadRegistry(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	paths, err := Paths(cfg, registry)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestRelayKey(t *testing.T) {
	k, err := relayKey("")
	require.NoError(t, err)
	assert.NotNil(t, k)

	want, err := crypto.GenerateKey()
	require.NoError(t, err)
	got, err := relayKey(hexutil.Encode(crypto.FromECDSA(want)))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(want.PublicKey), crypto.PubkeyToAddress(got.PublicKey))

	_, err = relayKey("nope")
	assert.Error(t, err)
}

func TestModuleGraph(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, fx.ValidateApp(fx.Supply(cfg, zaptest.NewLogger(t)), Module))
}
