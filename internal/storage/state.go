package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

//go:embed state.sql
var stateSchema string

// StateCache keeps account and storage values read from the node, keyed by
// the block they were read at. Only untouched chain state belongs here,
// never values produced by a simulation.
type StateCache struct {
	db *sql.DB
}

func OpenStateCache(dbPath string) (*StateCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	return &StateCache{db: db}, nil
}

func (c *StateCache) Close() error {
	return c.db.Close()
}

func (c *StateCache) GetBalance(blockNumber uint64, addr common.Address) (*big.Int, bool) {
	var balance sql.NullString
	err := c.db.QueryRow(
		"SELECT balance FROM account_state WHERE block_number = ? AND address = ?",
		blockNumber, addr.Hex(),
	).Scan(&balance)
	if err != nil || !balance.Valid {
		return nil, false
	}
	v, ok := new(big.Int).SetString(balance.String, 10)
	return v, ok
}

func (c *StateCache) SetBalance(blockNumber uint64, addr common.Address, balance *big.Int) error {
	_, err := c.db.Exec(`
		INSERT INTO account_state (block_number, address, balance) VALUES (?, ?, ?)
		ON CONFLICT (block_number, address) DO UPDATE SET balance = excluded.balance`,
		blockNumber, addr.Hex(), balance.String(),
	)
	return err
}

func (c *StateCache) GetNonce(blockNumber uint64, addr common.Address) (uint64, bool) {
	var nonce sql.NullInt64
	err := c.db.QueryRow(
		"SELECT nonce FROM account_state WHERE block_number = ? AND address = ?",
		blockNumber, addr.Hex(),
	).Scan(&nonce)
	if err != nil || !nonce.Valid {
		return 0, false
	}
	return uint64(nonce.Int64), true
}

func (c *StateCache) SetNonce(blockNumber uint64, addr common.Address, nonce uint64) error {
	_, err := c.db.Exec(`
		INSERT INTO account_state (block_number, address, nonce) VALUES (?, ?, ?)
		ON CONFLICT (block_number, address) DO UPDATE SET nonce = excluded.nonce`,
		blockNumber, addr.Hex(), int64(nonce),
	)
	return err
}

// GetCode tells a cached empty code apart from a miss
func (c *StateCache) GetCode(blockNumber uint64, addr common.Address) ([]byte, bool) {
	var (
		code  []byte
		known bool
	)
	err := c.db.QueryRow(
		"SELECT code, code IS NOT NULL FROM account_state WHERE block_number = ? AND address = ?",
		blockNumber, addr.Hex(),
	).Scan(&code, &known)
	if err != nil || !known {
		return nil, false
	}
	return code, true
}

func (c *StateCache) SetCode(blockNumber uint64, addr common.Address, code []byte) error {
	if code == nil {
		code = []byte{}
	}
	_, err := c.db.Exec(`
		INSERT INTO account_state (block_number, address, code) VALUES (?, ?, ?)
		ON CONFLICT (block_number, address) DO UPDATE SET code = excluded.code`,
		blockNumber, addr.Hex(), code,
	)
	return err
}

func (c *StateCache) GetStorage(blockNumber uint64, addr common.Address, slot common.Hash) (common.Hash, bool) {
	var value string
	err := c.db.QueryRow(
		"SELECT value FROM storage_state WHERE block_number = ? AND address = ? AND slot = ?",
		blockNumber, addr.Hex(), slot.Hex(),
	).Scan(&value)
	if err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(value), true
}

func (c *StateCache) SetStorage(blockNumber uint64, addr common.Address, slot, value common.Hash) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO storage_state (block_number, address, slot, value) VALUES (?, ?, ?, ?)",
		blockNumber, addr.Hex(), slot.Hex(), value.Hex(),
	)
	return err
}

func (c *StateCache) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64)

	var count int64
	if err := c.db.QueryRow("SELECT COUNT(*) FROM account_state").Scan(&count); err != nil {
		return nil, err
	}
	stats["account_entries"] = count

	if err := c.db.QueryRow("SELECT COUNT(*) FROM storage_state").Scan(&count); err != nil {
		return nil, err
	}
	stats["storage_entries"] = count
	return stats, nil
}
