package db

import (
	"database/sql"
	"fmt"
)

// schemaVersion is stamped into schema_meta on first boot. A database file
// stamped with a version newer than this binary understands is refused at
// startup rather than read partially.
const schemaVersion = 1

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS schema_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per (broker, environment) credential set a user has connected.
-- Secrets are encrypted at rest by pkg/crypto before landing here.
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    broker TEXT NOT NULL,
    environment TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    key_version INTEGER NOT NULL DEFAULT 1,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

-- Persisted strategy lifecycle state. One row per user; only one row may carry
-- status='active' for a given (user_id, strategy_name, instrument, environment)
-- tuple, enforced by the partial unique index below.
CREATE TABLE IF NOT EXISTS strategy_states (
    user_id TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    strategy_name TEXT,
    instrument TEXT,
    broker TEXT,
    environment TEXT,
    config TEXT,
    lifecycle TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    started_at DATETIME,
    last_transition DATETIME,
    last_action TEXT,
    auto_reconnect BOOLEAN NOT NULL DEFAULT 1,
    position_entry_price REAL,
    position_size REAL,
    position_side TEXT,
    connected_at DATETIME,
    disconnected_at DATETIME,
    last_heartbeat DATETIME,
    error_message TEXT,
    error_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_strategy_states_active
    ON strategy_states(user_id, strategy_name, instrument, environment)
    WHERE status = 'active';

CREATE TABLE IF NOT EXISTS trade_records (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_order_id TEXT NOT NULL,
    sl_order_id TEXT,
    tp_order_id TEXT,
    entry_price REAL NOT NULL,
    amount REAL NOT NULL,
    stop_loss REAL,
    take_profit REAL,
    entry_time DATETIME NOT NULL,
    exit_price REAL,
    exit_time DATETIME,
    exit_reason TEXT,
    pnl REAL,
    pnl_percent REAL,
    status TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trade_records_user ON trade_records(user_id, status);
CREATE INDEX IF NOT EXISTS idx_trade_records_entry_time ON trade_records(entry_time);

CREATE TABLE IF NOT EXISTS worker_jobs (
    job_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    instrument TEXT NOT NULL,
    broker TEXT NOT NULL,
    config TEXT,
    state TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entitlements (
    user_id TEXT PRIMARY KEY,
    tier TEXT NOT NULL,
    max_workers INTEGER NOT NULL,
    expires_at DATETIME
);

CREATE TABLE IF NOT EXISTS risk_configs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT,
    name TEXT NOT NULL,
    risk_mode TEXT NOT NULL DEFAULT 'percent',
    risk_value REAL NOT NULL DEFAULT 1.0,
    max_leverage_cap INTEGER NOT NULL DEFAULT 20,
    warn_leverage REAL NOT NULL DEFAULT 10,
    min_trade_amount REAL NOT NULL DEFAULT 5,
    is_active INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Hourly msgpack-encoded snapshot of every active strategy_states row, retained
-- for disaster recovery independent of WAL replay. internal/persistence trims
-- this to the newest 24 rows after each write.
CREATE TABLE IF NOT EXISTS state_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at DATETIME NOT NULL,
    payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_state_snapshots_taken_at ON state_snapshots(taken_at);
`

// ApplyMigrations bootstraps the schema and checks the stamped version.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var stamped int
	err := d.DB.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&stamped)
	switch {
	case err == sql.ErrNoRows:
		if _, err := d.DB.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, ?)`, schemaVersion); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case stamped > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d: refusing to start", stamped, schemaVersion)
	case stamped < schemaVersion:
		if _, err := d.DB.Exec(`UPDATE schema_meta SET version = ? WHERE id = 1`, schemaVersion); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
	}

	// Lightweight, idempotent migrations for older DB files, matching the
	// add-column-if-missing pattern used throughout.
	if err := ensureColumn(d.DB, "strategy_states", "error_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trade_records", "pnl_percent", "REAL"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
