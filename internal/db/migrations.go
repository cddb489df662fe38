package db

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS markets (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    outcome_type TEXT NOT NULL,
    creator_id TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    last_seen_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS placements (
    id TEXT PRIMARY KEY,
    bet_id TEXT NOT NULL,
    market_id TEXT NOT NULL REFERENCES markets(id),
    answer_id TEXT,
    outcome TEXT NOT NULL,
    amount REAL NOT NULL,
    limit_prob REAL,
    shares REAL NOT NULL DEFAULT 0,
    strategies TEXT NOT NULL,
    trigger_bet_id TEXT NOT NULL,
    placed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_placements_market ON placements(market_id);
CREATE INDEX IF NOT EXISTS idx_placements_time ON placements(placed_at);

CREATE TABLE IF NOT EXISTS diagnostics (
    id TEXT PRIMARY KEY,
    market_id TEXT NOT NULL,
    trigger_bet_id TEXT NOT NULL,
    strategy TEXT NOT NULL,
    qualifier TEXT,
    reason TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnostics_reason ON diagnostics(reason);
CREATE INDEX IF NOT EXISTS idx_diagnostics_time ON diagnostics(created_at);
`
