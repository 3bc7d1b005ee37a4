package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pulkyeet/triarb/internal/arbitrage"
	"github.com/pulkyeet/triarb/internal/bundle"
)

//go:embed schema.sql
var schema string

// Journal records what the searcher saw and did
type Journal struct {
	db *sql.DB
}

func OpenJournal(dbPath string) (*Journal, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

type OpportunityRecord struct {
	BlockNumber uint64
	PathKey     string
	Path        string
	AmountIn    string
	ExpectedOut string
	SpreadPct   string
	GrossProfit string
	GasCost     string
	NetProfit   string
	FoundAt     time.Time
}

func NewOpportunityRecord(opp *arbitrage.Opportunity, at time.Time) OpportunityRecord {
	dec := func(v *uint256.Int) string {
		if v == nil {
			return "0"
		}
		return v.Dec()
	}
	rec := OpportunityRecord{
		BlockNumber: opp.BlockNumber,
		PathKey:     opp.Key(),
		Path:        opp.Path.String(),
		AmountIn:    dec(opp.AmountIn),
		ExpectedOut: dec(opp.ExpectedAmountOut),
		SpreadPct:   "0",
		GrossProfit: dec(opp.GrossProfit),
		GasCost:     dec(opp.GasCost),
		NetProfit:   dec(opp.NetProfit),
		FoundAt:     at,
	}
	if opp.Spread != nil {
		rec.SpreadPct = opp.SpreadPercent().StringFixed(4)
	}
	return rec
}

func (j *Journal) RecordOpportunity(opp *arbitrage.Opportunity) error {
	r := NewOpportunityRecord(opp, time.Now())
	_, err := j.db.Exec(`
		INSERT INTO opportunities
		(block_number, path_key, path, amount_in, expected_out, spread_pct, gross_profit, gas_cost, net_profit, found_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.BlockNumber, r.PathKey, r.Path, r.AmountIn, r.ExpectedOut,
		r.SpreadPct, r.GrossProfit, r.GasCost, r.NetProfit, r.FoundAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record opportunity: %w", err)
	}
	return nil
}

// RecordAttempt stores the terminal outcome of one bundle attempt
func (j *Journal) RecordAttempt(res *bundle.Result) error {
	var block uint64
	if res.Opportunity != nil {
		block = res.Opportunity.BlockNumber
	}
	var txHash, errText sql.NullString
	if res.Receipt != nil {
		txHash = sql.NullString{String: res.Receipt.TxHash.Hex(), Valid: true}
	}
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}

	_, err := j.db.Exec(`
		INSERT INTO attempts
		(path_key, block_number, target_block, state, submissions, tx_hash, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.Key, block, res.TargetBlock, res.State.String(), res.Submissions,
		txHash, errText, res.Started.UnixMilli(), res.Finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

type PendingTx struct {
	Hash          common.Hash
	FirstSeen     time.Time
	IncludedBlock uint64
}

// RecordPendingTxs keeps the first sighting of each hash
func (j *Journal) RecordPendingTxs(txs []PendingTx) error {
	if len(txs) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO pending_txs (tx_hash, first_seen, included_block)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range txs {
		var included sql.NullInt64
		if p.IncludedBlock != 0 {
			included = sql.NullInt64{Int64: int64(p.IncludedBlock), Valid: true}
		}
		if _, err := stmt.Exec(p.Hash.Hex(), p.FirstSeen.UnixMilli(), included); err != nil {
			return fmt.Errorf("failed to insert pending tx %s: %w", p.Hash.Hex(), err)
		}
	}
	return tx.Commit()
}

// Opportunities returns journaled opportunities with from <= block <= to
func (j *Journal) Opportunities(from, to uint64) ([]OpportunityRecord, error) {
	rows, err := j.db.Query(`
		SELECT block_number, path_key, path, amount_in, expected_out, spread_pct,
		       gross_profit, gas_cost, net_profit, found_at
		FROM opportunities
		WHERE block_number BETWEEN ? AND ?
		ORDER BY block_number, id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	var out []OpportunityRecord
	for rows.Next() {
		var r OpportunityRecord
		var foundAt int64
		if err := rows.Scan(&r.BlockNumber, &r.PathKey, &r.Path, &r.AmountIn, &r.ExpectedOut,
			&r.SpreadPct, &r.GrossProfit, &r.GasCost, &r.NetProfit, &foundAt); err != nil {
			return nil, err
		}
		r.FoundAt = time.UnixMilli(foundAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) PendingTxs() ([]PendingTx, error) {
	rows, err := j.db.Query("SELECT tx_hash, first_seen, included_block FROM pending_txs ORDER BY first_seen")
	if err != nil {
		return nil, fmt.Errorf("failed to query pending txs: %w", err)
	}
	defer rows.Close()

	var out []PendingTx
	for rows.Next() {
		var hash string
		var seen int64
		var included sql.NullInt64
		if err := rows.Scan(&hash, &seen, &included); err != nil {
			return nil, err
		}
		out = append(out, PendingTx{
			Hash:          common.HexToHash(hash),
			FirstSeen:     time.UnixMilli(seen),
			IncludedBlock: uint64(included.Int64),
		})
	}
	return out, rows.Err()
}

func (j *Journal) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64)
	queries := []struct {
		key   string
		query string
	}{
		{"opportunities", "SELECT COUNT(*) FROM opportunities"},
		{"attempts", "SELECT COUNT(*) FROM attempts"},
		{"mined", "SELECT COUNT(*) FROM attempts WHERE state = 'mined'"},
		{"pending_txs", "SELECT COUNT(*) FROM pending_txs"},
	}
	for _, q := range queries {
		var count int64
		if err := j.db.QueryRow(q.query).Scan(&count); err != nil {
			return nil, err
		}
		stats[q.key] = count
	}
	return stats, nil
}
