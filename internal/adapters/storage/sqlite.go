package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    wallet_address        TEXT NOT NULL UNIQUE,
    auth_nonce            TEXT NOT NULL DEFAULT '',
    auth_nonce_expires_at DATETIME,
    refresh_token_hash    TEXT NOT NULL DEFAULT '',
    created_at            DATETIME NOT NULL,
    updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id                TEXT NOT NULL UNIQUE,
    user_id               TEXT NOT NULL,
    name                  TEXT NOT NULL,
    mode                  TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'stopped',
    strategy_mode         TEXT NOT NULL,

    entry_score_threshold REAL NOT NULL DEFAULT 0,
    min_liquidity         REAL NOT NULL DEFAULT 0,
    max_liquidity         REAL NOT NULL DEFAULT 0,
    min_volume_24h        REAL NOT NULL DEFAULT 0,
    sol_pairs_only        INTEGER NOT NULL DEFAULT 0,
    mint_blacklist        TEXT NOT NULL DEFAULT '[]',
    position_size_sol     REAL NOT NULL DEFAULT 0,
    position_size_percent REAL NOT NULL DEFAULT 0,
    min_position_sol      REAL NOT NULL DEFAULT 0,
    max_position_sol      REAL NOT NULL DEFAULT 0,
    default_bin_range     INTEGER NOT NULL DEFAULT 0,
    max_concurrent_positions INTEGER NOT NULL DEFAULT 0,
    profit_target_percent REAL NOT NULL DEFAULT 0,
    stop_loss_percent     REAL NOT NULL DEFAULT 0,
    trailing_stop_enabled INTEGER NOT NULL DEFAULT 0,
    trailing_stop_percent REAL NOT NULL DEFAULT 0,
    max_hold_time_minutes INTEGER NOT NULL DEFAULT 0,
    max_daily_loss_sol    REAL NOT NULL DEFAULT 0,
    cooldown_minutes      INTEGER NOT NULL DEFAULT 0,
    cron_interval_seconds INTEGER NOT NULL DEFAULT 0,
    position_check_interval_seconds INTEGER NOT NULL DEFAULT 0,
    simulation_initial_balance_sol  REAL NOT NULL DEFAULT 0,

    total_trades          INTEGER NOT NULL DEFAULT 0,
    winning_trades        INTEGER NOT NULL DEFAULT 0,
    total_pnl_lamports    INTEGER NOT NULL DEFAULT 0,
    last_error            TEXT NOT NULL DEFAULT '',
    last_activity_at      DATETIME,
    emergency_stop_state  BLOB,
    created_at            DATETIME NOT NULL,
    updated_at            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bots_user   ON bots(user_id);
CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);

CREATE TABLE IF NOT EXISTS positions (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    position_id             TEXT NOT NULL UNIQUE,
    bot_id                  TEXT NOT NULL REFERENCES bots(bot_id) ON DELETE CASCADE,
    user_id                 TEXT NOT NULL,
    mode                    TEXT NOT NULL,
    status                  TEXT NOT NULL,

    pool_address            TEXT NOT NULL,
    pool_name               TEXT NOT NULL DEFAULT '',
    mint_x                  TEXT NOT NULL DEFAULT '',
    mint_y                  TEXT NOT NULL DEFAULT '',
    bin_step                INTEGER NOT NULL DEFAULT 0,

    entry_bin_id            INTEGER NOT NULL DEFAULT 0,
    entry_price_per_token   REAL NOT NULL DEFAULT 0,
    entry_time              DATETIME,
    entry_amount_x_lamports INTEGER NOT NULL DEFAULT 0,
    entry_amount_y_lamports INTEGER NOT NULL DEFAULT 0,
    entry_tx_signature      TEXT NOT NULL DEFAULT '',
    entry_tx_cost_lamports  INTEGER NOT NULL DEFAULT 0,
    entry_score             REAL NOT NULL DEFAULT 0,
    ml_probability          REAL NOT NULL DEFAULT 0,
    entry_features          TEXT,

    profit_target_percent   REAL NOT NULL DEFAULT 0,
    stop_loss_percent       REAL NOT NULL DEFAULT 0,
    max_hold_time_minutes   INTEGER NOT NULL DEFAULT 0,
    trailing_stop_enabled   INTEGER NOT NULL DEFAULT 0,
    trailing_stop_percent   REAL NOT NULL DEFAULT 0,
    high_water_mark_pct     REAL NOT NULL DEFAULT 0,

    current_price_per_token REAL NOT NULL DEFAULT 0,
    unrealized_pnl_lamports INTEGER NOT NULL DEFAULT 0,
    fees_earned_x_lamports  INTEGER NOT NULL DEFAULT 0,
    fees_earned_y_lamports  INTEGER NOT NULL DEFAULT 0,

    exit_price_per_token    REAL NOT NULL DEFAULT 0,
    exit_time               DATETIME,
    exit_tx_signature       TEXT NOT NULL DEFAULT '',
    exit_reason             TEXT NOT NULL DEFAULT '',
    realized_pnl_lamports   INTEGER NOT NULL DEFAULT 0,
    exit_tx_cost_lamports   INTEGER NOT NULL DEFAULT 0,

    last_error              TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_bot    ON positions(bot_id);
CREATE INDEX IF NOT EXISTS idx_positions_user   ON positions(user_id);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_exit   ON positions(exit_time DESC);

CREATE TABLE IF NOT EXISTS trade_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id      TEXT NOT NULL REFERENCES bots(bot_id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    position_id TEXT NOT NULL DEFAULT '',
    event       TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '{}',
    timestamp   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_log_bot ON trade_log(bot_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS strategy_presets (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    is_system   INTEGER NOT NULL DEFAULT 0,
    config      TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);
`

// SQLiteStorage implements ports.Storage on a single SQLite file (pure Go
// driver, no CGo). Every method is one short transaction.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// StorageOption configures a SQLiteStorage.
type StorageOption func(*SQLiteStorage)

// WithStorageClock injects a clock for tests.
func WithStorageClock(now func() time.Time) StorageOption {
	return func(s *SQLiteStorage) { s.now = now }
}

// NewSQLiteStorage opens or creates the database at path, applies the schema
// and enables WAL and foreign-key enforcement.
func NewSQLiteStorage(path string, opts ...StorageOption) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.NewSQLiteStorage: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- time helpers ---

// timeLayout is fixed-width so lexicographic comparison inside SQLite matches
// chronological order.
const timeLayout = "2006-01-02 15:04:05.000000000"

// storeTime formats a timestamp for a DATETIME column; zero times store NULL.
func storeTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// parseTime reads a DATETIME column written by storeTime.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s.String, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
