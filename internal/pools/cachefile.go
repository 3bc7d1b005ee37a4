package pools

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var cacheHeader = []string{"address", "version", "token0", "token1", "decimals0", "decimals1", "fee"}

// LoadCache reads the pool cache file. A missing file is an empty cache.
// Malformed rows are logged and skipped; a later row for the same address
// replaces an earlier one but keeps its position
func LoadCache(path string, logger *zap.Logger) ([]*Pool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open pool cache: %w", err)
	}
	defer f.Close()

	return readCache(f, logger)
}

func readCache(r io.Reader, logger *zap.Logger) ([]*Pool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	index := make(map[common.Address]int)
	var out []*Pool

	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			logger.Warn("skipping unreadable pool cache row", zap.Int("line", line), zap.Error(err))
			continue
		}
		if line == 1 && len(record) > 0 && record[0] == cacheHeader[0] {
			continue
		}

		p, err := parseRow(record)
		if err != nil {
			logger.Warn("skipping malformed pool cache row", zap.Int("line", line), zap.Error(err))
			continue
		}

		if i, ok := index[p.Address]; ok {
			out[i] = p
			continue
		}
		index[p.Address] = len(out)
		out = append(out, p)
	}
	return out, nil
}

func parseRow(record []string) (*Pool, error) {
	if len(record) != len(cacheHeader) {
		return nil, fmt.Errorf("want %d fields, got %d", len(cacheHeader), len(record))
	}
	for _, i := range []int{0, 2, 3} {
		if !common.IsHexAddress(record[i]) {
			return nil, fmt.Errorf("bad address %q", record[i])
		}
	}

	version, err := strconv.ParseUint(record[1], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("bad version: %w", err)
	}
	dec0, err := strconv.ParseUint(record[4], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("bad decimals0: %w", err)
	}
	dec1, err := strconv.ParseUint(record[5], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("bad decimals1: %w", err)
	}
	fee, err := strconv.ParseUint(record[6], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad fee: %w", err)
	}

	return &Pool{
		Address:   common.HexToAddress(record[0]),
		Version:   DexVariant(version),
		Token0:    common.HexToAddress(record[2]),
		Token1:    common.HexToAddress(record[3]),
		Decimals0: uint8(dec0),
		Decimals1: uint8(dec1),
		Fee:       uint32(fee),
	}, nil
}

// AppendCache appends pools to the cache file, writing the header when the
// file is new
func AppendCache(path string, pools []*Pool) error {
	if len(pools) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	fresh := false
	if info, err := os.Stat(path); errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		fresh = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open pool cache: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(cacheHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, p := range pools {
		row := []string{
			p.Address.Hex(),
			strconv.FormatUint(uint64(p.Version), 10),
			p.Token0.Hex(),
			p.Token1.Hex(),
			strconv.FormatUint(uint64(p.Decimals0), 10),
			strconv.FormatUint(uint64(p.Decimals1), 10),
			strconv.FormatUint(uint64(p.Fee), 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write pool %s: %w", p.Address.Hex(), err)
		}
	}
	w.Flush()
	return w.Error()
}
