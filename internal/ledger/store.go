package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 UTC with a fixed-width 9-digit fraction.
// Timestamp columns are compared lexicographically in ORDER BY, so the
// stored form must not trim trailing zeros the way RFC3339Nano does
// ("...00Z" would sort after "...00.5Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the durable, append-only execution ledger (SQLite).
// This service is architecturally the ONLY writer to this database;
// any other writer is a deployment-configuration bug.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer; serialize access at the pool level
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS fills (
  exec_id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  client_order_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  qty TEXT NOT NULL,
  signed_qty TEXT NOT NULL,
  commission TEXT NOT NULL,
  reason TEXT NOT NULL,
  exec_time TEXT NOT NULL,
  received_at TEXT NOT NULL,
  inserted_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_agent_symbol_time ON fills(agent_id, symbol, exec_time);`,
		`
CREATE TABLE IF NOT EXISTS orders (
  order_id TEXT PRIMARY KEY,
  client_order_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  order_type TEXT,
  qty TEXT,
  price TEXT,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS drift_audits (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  cache_size TEXT NOT NULL,
  venue_size TEXT NOT NULL,
  cache_avg_price TEXT NOT NULL,
  venue_avg_price TEXT NOT NULL,
  magnitude TEXT NOT NULL,
  severity TEXT NOT NULL,
  snapshot_time TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_drift_audits_created ON drift_audits(created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
