package reserves

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/triarb/internal/eth"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize = 250
	DefaultWorkers   = 8
)

// Reader is one batched getReserves round trip
type Reader interface {
	BatchReserves(ctx context.Context, pairs []common.Address, blockNumber *big.Int) (map[common.Address]eth.PairReserves, error)
}

// Fetcher reads reserves for many pools on a bounded worker pool
type Fetcher struct {
	reader    Reader
	chunkSize int
	workers   int
	log       *zap.Logger
}

func NewFetcher(reader Reader, chunkSize, workers int, logger *zap.Logger) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Fetcher{
		reader:    reader,
		chunkSize: chunkSize,
		workers:   workers,
		log:       logger.Named("fetcher"),
	}
}

// chunks splits addrs into ceil(n/size) evenly sized batches
func chunks(addrs []common.Address, size int) [][]common.Address {
	if len(addrs) == 0 {
		return nil
	}
	batches := (len(addrs) + size - 1) / size
	per := (len(addrs) + batches - 1) / batches

	out := make([][]common.Address, 0, batches)
	for start := 0; start < len(addrs); start += per {
		end := start + per
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[start:end])
	}
	return out
}

// FetchAll reads reserves for addrs at block (latest when nil). Any failed
// batch fails the whole fetch; pools a batch could not read are logged and
// left out
func (f *Fetcher) FetchAll(ctx context.Context, addrs []common.Address, block *big.Int) (map[common.Address]Reserve, error) {
	batches := chunks(addrs, f.chunkSize)
	results := make(chan map[common.Address]eth.PairReserves, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := f.reader.BatchReserves(gctx, batch, block)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results <- res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch reserves: %w", err)
	}
	close(results)

	out := make(map[common.Address]Reserve, len(addrs))
	for res := range results {
		for addr, r := range res {
			r0, overflow0 := uint256.FromBig(r.Reserve0)
			r1, overflow1 := uint256.FromBig(r.Reserve1)
			if overflow0 || overflow1 {
				continue
			}
			out[addr] = Reserve{Reserve0: r0, Reserve1: r1}
		}
	}

	if missing := len(addrs) - len(out); missing > 0 {
		f.log.Warn("some pools returned no reserves", zap.Int("missing", missing), zap.Int("requested", len(addrs)))
	}
	f.log.Info("fetched reserves", zap.Int("pools", len(out)), zap.Int("batches", len(batches)))
	return out, nil
}
