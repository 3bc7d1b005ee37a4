package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const parquetParallelism = 4

type OpportunityRow struct {
	BlockNumber int64  `parquet:"name=block_number, type=INT64"`
	PathKey     string `parquet:"name=path_key, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Path        string `parquet:"name=path, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AmountIn    string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedOut string `parquet:"name=expected_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	SpreadPct   string `parquet:"name=spread_pct, type=BYTE_ARRAY, convertedtype=UTF8"`
	GrossProfit string `parquet:"name=gross_profit, type=BYTE_ARRAY, convertedtype=UTF8"`
	GasCost     string `parquet:"name=gas_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	NetProfit   string `parquet:"name=net_profit, type=BYTE_ARRAY, convertedtype=UTF8"`
	FoundAt     int64  `parquet:"name=found_at, type=INT64"`
}

// PendingRow uses the mempool-dumpster column names so dumps can be
// ingested and our own sightings exported in the same shape
type PendingRow struct {
	Timestamp             int64  `parquet:"name=timestamp, type=INT64"`
	Hash                  string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	IncludedAtBlockHeight int64  `parquet:"name=includedAtBlockHeight, type=INT64"`
}

// ExportOpportunities writes journaled opportunities in [from, to] to a
// parquet file and returns the row count
func (j *Journal) ExportOpportunities(path string, from, to uint64) (int, error) {
	recs, err := j.Opportunities(from, to)
	if err != nil {
		return 0, err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(OpportunityRow), parquetParallelism)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range recs {
		row := OpportunityRow{
			BlockNumber: int64(r.BlockNumber),
			PathKey:     r.PathKey,
			Path:        r.Path,
			AmountIn:    r.AmountIn,
			ExpectedOut: r.ExpectedOut,
			SpreadPct:   r.SpreadPct,
			GrossProfit: r.GrossProfit,
			GasCost:     r.GasCost,
			NetProfit:   r.NetProfit,
			FoundAt:     r.FoundAt.UnixMilli(),
		}
		if err := pw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return len(recs), nil
}

func (j *Journal) ExportPendingTxs(path string) (int, error) {
	txs, err := j.PendingTxs()
	if err != nil {
		return 0, err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(PendingRow), parquetParallelism)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, p := range txs {
		row := PendingRow{
			Timestamp:             p.FirstSeen.UnixMilli(),
			Hash:                  p.Hash.Hex(),
			IncludedAtBlockHeight: int64(p.IncludedBlock),
		}
		if err := pw.Write(row); err != nil {
			return 0, fmt.Errorf("failed to write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return len(txs), nil
}

// IngestPendingTxs loads a mempool-dumpster style parquet file into the
// pending table, keeping earlier sightings
func (j *Journal) IngestPendingTxs(path string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(PendingRow), parquetParallelism)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	total := 0
	for total < numRows {
		n := batchSize
		if total+n > numRows {
			n = numRows - total
		}
		rows := make([]PendingRow, n)
		if err := pr.Read(&rows); err != nil {
			return total, fmt.Errorf("failed to read rows at %d: %w", total, err)
		}

		batch := make([]PendingTx, 0, len(rows))
		for _, r := range rows {
			if r.Hash == "" {
				continue
			}
			batch = append(batch, PendingTx{
				Hash:          common.HexToHash(r.Hash),
				FirstSeen:     time.UnixMilli(r.Timestamp),
				IncludedBlock: uint64(r.IncludedAtBlockHeight),
			})
		}
		if err := j.RecordPendingTxs(batch); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
