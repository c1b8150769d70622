// Package storage is the embedded persistence layer: a single pure-Go SQLite
// file backing every logical schema named in the system's persisted-state
// section (accounts, strategies, orders, positions, snapshots, journal
// entries, monitoring log, AI usage log, learning records). One open handle
// owns schema creation; modernc.org/sqlite keeps the build pure Go with no
// cgo dependency.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the connection pool with the pragma set appropriate for a
// single-writer ledger of trading state: full synchronous durability, WAL
// concurrency for readers, foreign keys enforced.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates the data directory if needed, opens the database at path with
// durability-first pragmas, and applies the schema. It is safe to call
// repeatedly against the same path; schema creation uses IF NOT EXISTS
// throughout.
func Open(path string) (*DB, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-64000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := &DB{conn: conn, path: absPath}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the underlying pool. Callers outside storage use the
// repository methods instead.
func (db *DB) Conn() *sql.DB { return db.conn }

func (db *DB) migrate(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// HealthCheck runs SQLite's integrity check, used by the control surface's
// readiness probe.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	verification_status TEXT NOT NULL,
	agent_mode TEXT NOT NULL,
	monitoring_frequency_min INTEGER NOT NULL,
	main_wallet_address TEXT,
	created_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS secret_envelope (
	account_id TEXT NOT NULL,
	name TEXT NOT NULL,
	dek_ciphertext BLOB NOT NULL,
	dek_nonce BLOB NOT NULL,
	payload_ciphertext BLOB NOT NULL,
	payload_nonce BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (account_id, name)
);

CREATE TABLE IF NOT EXISTS strategy (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	allocated_percent TEXT NOT NULL,
	max_positions INTEGER NOT NULL,
	max_leverage TEXT NOT NULL,
	daily_loss_limit_pct TEXT NOT NULL,
	current_daily_loss TEXT NOT NULL,
	correlation_group TEXT,
	config TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategy_account ON strategy(account_id);

CREATE TABLE IF NOT EXISTS "order" (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	size TEXT NOT NULL,
	limit_px TEXT,
	reduce_only INTEGER NOT NULL,
	status TEXT NOT NULL,
	filled_size TEXT NOT NULL,
	avg_fill_price TEXT NOT NULL,
	venue_order_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_account ON "order"(account_id);
CREATE INDEX IF NOT EXISTS idx_order_strategy ON "order"(strategy_id);

CREATE TABLE IF NOT EXISTS position (
	account_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	size TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	leverage TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	regime_at_open TEXT NOT NULL,
	opened_at TEXT NOT NULL,
	PRIMARY KEY (strategy_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_position_account ON position(account_id);

CREATE TABLE IF NOT EXISTS trade (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	size TEXT NOT NULL,
	price TEXT NOT NULL,
	pnl TEXT NOT NULL,
	executed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_account ON trade(account_id);

CREATE TABLE IF NOT EXISTS portfolio_snapshot (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	total_capital TEXT NOT NULL,
	margin_used TEXT NOT NULL,
	utilization_percent TEXT NOT NULL,
	net_exposure TEXT NOT NULL,
	health TEXT NOT NULL,
	taken_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshot_account_taken ON portfolio_snapshot(account_id, taken_at);

CREATE TABLE IF NOT EXISTS trade_journal_entry (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	order_id TEXT,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_reasoning TEXT NOT NULL,
	expectations TEXT NOT NULL,
	entry_price TEXT,
	stop_loss TEXT,
	take_profit TEXT,
	close_analysis TEXT,
	created_at TEXT NOT NULL,
	activated_at TEXT,
	closed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_account ON trade_journal_entry(account_id);
CREATE INDEX IF NOT EXISTS idx_journal_status ON trade_journal_entry(status);

CREATE TABLE IF NOT EXISTS monitoring_log (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	state TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	outcome TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitoring_account_created ON monitoring_log(account_id, created_at);

CREATE TABLE IF NOT EXISTS ai_usage_log (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	estimated_cost TEXT NOT NULL,
	success INTEGER NOT NULL,
	user_prompt TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_record (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL,
	text TEXT NOT NULL,
	sample_size INTEGER NOT NULL,
	confidence_score TEXT NOT NULL,
	decay_weight TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_account_category ON learning_record(account_id, category, subcategory);

CREATE TABLE IF NOT EXISTS trade_evaluation (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	pnl TEXT NOT NULL,
	target_hit INTEGER NOT NULL,
	regime TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`
