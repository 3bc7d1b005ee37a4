package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/config"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/pulkyeet/triarb/internal/metrics"
	"github.com/pulkyeet/triarb/internal/pools"
	"github.com/pulkyeet/triarb/internal/reserves"
	"go.uber.org/zap"
)

// LoadRegistry fills a registry from the pool cache file
func LoadRegistry(cfg *config.Config, logger *zap.Logger) (*pools.Registry, error) {
	registry, err := pools.NewRegistry(cfg.Pools.DecimalsCache, logger)
	if err != nil {
		return nil, err
	}
	cached, err := pools.LoadCache(cfg.Pools.CacheFile, logger)
	if err != nil {
		return nil, err
	}
	registry.AddAll(cached)
	for _, p := range cached {
		registry.RememberDecimals(p.Token0, p.Decimals0)
		registry.RememberDecimals(p.Token1, p.Decimals1)
	}
	logger.Info("pool cache loaded", zap.String("file", cfg.Pools.CacheFile), zap.Int("pools", registry.Len()))
	return registry, nil
}

// SyncPools discovers pairs created by every configured DEX up to the head
// block and appends the new ones to the cache file
func SyncPools(ctx context.Context, cfg *config.Config, client *eth.Client, registry *pools.Registry, logger *zap.Logger) (int, error) {
	dexes, err := cfg.DEXes()
	if err != nil {
		return 0, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("head block: %w", err)
	}
	disc, err := pools.NewDiscoverer(client, registry, cfg.Pools.DiscoveryChunk, logger)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, dex := range dexes {
		found, err := disc.Discover(ctx, dex, dex.StartBlock, head)
		if err != nil {
			return total, fmt.Errorf("discover %s: %w", dex.Name, err)
		}
		if err := pools.AppendCache(cfg.Pools.CacheFile, found); err != nil {
			return total, err
		}
		total += len(found)
		logger.Info("dex synced", zap.String("dex", dex.Name), zap.Int("new_pools", len(found)))
	}
	return total, nil
}

// Paths builds every cycle from the base token, minus blacklisted tokens
func Paths(cfg *config.Config, registry *pools.Registry) ([]*arbitrage.ArbPath, error) {
	base, err := cfg.BaseToken()
	if err != nil {
		return nil, err
	}
	black, err := cfg.BlacklistSet()
	if err != nil {
		return nil, err
	}
	return arbitrage.FilterBlacklisted(arbitrage.GeneratePaths(registry.All(), base), black), nil
}

func tokenDecimals(registry *pools.Registry, token common.Address) (uint8, bool) {
	for _, info := range eth.KnownTokens {
		if info.Address == token {
			return info.Decimals, true
		}
	}
	for _, p := range registry.All() {
		if p.Has(token) {
			return p.Decimals(token), true
		}
	}
	return 0, false
}

func pricePool(cfg *config.Config, registry *pools.Registry, base, native common.Address) (*pools.Pool, error) {
	if base == native {
		return nil, nil
	}
	if cfg.Strategy.PricePool != "" {
		if !common.IsHexAddress(cfg.Strategy.PricePool) {
			return nil, fmt.Errorf("strategy.price_pool %q is not an address", cfg.Strategy.PricePool)
		}
		p, ok := registry.Get(common.HexToAddress(cfg.Strategy.PricePool))
		if !ok {
			return nil, fmt.Errorf("price pool %s is not in the registry", cfg.Strategy.PricePool)
		}
		return p, nil
	}
	p, ok := registry.FindPair(base, native)
	if !ok {
		return nil, errors.New("no pool pairs the base token with the native token, set strategy.price_pool")
	}
	return p, nil
}

// NewScanner builds the scanner over paths with an empty reserve cache
func NewScanner(cfg *config.Config, registry *pools.Registry, paths []*arbitrage.ArbPath, logger *zap.Logger, rec *metrics.Recorder) (*arbitrage.Scanner, error) {
	base, err := cfg.BaseToken()
	if err != nil {
		return nil, err
	}
	native, err := cfg.NativeToken()
	if err != nil {
		return nil, err
	}
	decimals, ok := tokenDecimals(registry, base)
	if !ok {
		return nil, fmt.Errorf("decimals of base token %s unknown", base.Hex())
	}
	amounts, err := cfg.Strategy.Amounts(decimals)
	if err != nil {
		return nil, err
	}
	low, high, err := cfg.Strategy.Slippage()
	if err != nil {
		return nil, err
	}
	price, err := pricePool(cfg, registry, base, native)
	if err != nil {
		return nil, err
	}

	pricer := &arbitrage.GasPricer{
		Model: arbitrage.GasModel{
			Units:     cfg.Strategy.GasUnits,
			MarkupPct: cfg.Strategy.BaseFeeMarkupPct,
		},
		Native:    native,
		PricePool: price,
	}
	return arbitrage.NewScanner(paths, reserves.NewCache(), pricer, arbitrage.ScannerConfig{
		Base:         base,
		ProbeAmount:  amounts.Probe,
		MaxAmountIn:  amounts.MaxIn,
		StepSize:     amounts.Step,
		TopN:         cfg.Strategy.TopN,
		SlippageLow:  low,
		SlippageHigh: high,
	}, logger, rec)
}
