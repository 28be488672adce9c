package store

const schema = `
CREATE TABLE IF NOT EXISTS sources (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    type               TEXT NOT NULL,
    url                TEXT NOT NULL,
    enabled            BOOLEAN NOT NULL DEFAULT 1,
    interval_minutes   INTEGER NOT NULL DEFAULT 60,
    priority           INTEGER NOT NULL DEFAULT 2,
    category           TEXT NOT NULL DEFAULT '',
    config             TEXT NOT NULL DEFAULT '{}',
    last_check         DATETIME,
    last_success       DATETIME,
    consecutive_errors INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL,
    UNIQUE(name, url)
);

CREATE INDEX IF NOT EXISTS idx_sources_enabled ON sources(enabled);

CREATE TABLE IF NOT EXISTS items (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    guid            TEXT NOT NULL,
    title           TEXT NOT NULL,
    url             TEXT NOT NULL DEFAULT '',
    author          TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    published_at    DATETIME,
    collected_at    DATETIME NOT NULL,
    image_url       TEXT NOT NULL DEFAULT '',
    media_urls      TEXT NOT NULL DEFAULT '[]',
    language        TEXT NOT NULL DEFAULT '',
    extra           TEXT NOT NULL DEFAULT '{}',
    content_hash    TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'new',
    starred         BOOLEAN NOT NULL DEFAULT 0,
    relevance_score REAL NOT NULL DEFAULT 0,
    keywords        TEXT NOT NULL DEFAULT '[]',
    tags            TEXT NOT NULL DEFAULT '[]',
    duplicate_of    TEXT,
    UNIQUE(source_id, guid)
);

CREATE INDEX IF NOT EXISTS idx_items_content_hash ON items(content_hash);
CREATE INDEX IF NOT EXISTS idx_items_collected_at ON items(collected_at);
CREATE INDEX IF NOT EXISTS idx_items_published_at ON items(published_at);
CREATE INDEX IF NOT EXISTS idx_items_relevance ON items(relevance_score);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);

CREATE TABLE IF NOT EXISTS filters (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    enabled        BOOLEAN NOT NULL DEFAULT 1,
    priority       INTEGER NOT NULL DEFAULT 100,
    action         TEXT NOT NULL,
    conditions     TEXT NOT NULL DEFAULT '{}',
    score_modifier REAL NOT NULL DEFAULT 0,
    action_params  TEXT NOT NULL DEFAULT '{}',
    created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id                 TEXT PRIMARY KEY,
    item_id            TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    filter_id          TEXT NOT NULL DEFAULT '',
    severity           TEXT NOT NULL DEFAULT 'notice',
    state              TEXT NOT NULL DEFAULT 'pending',
    delivered_channels TEXT NOT NULL DEFAULT '[]',
    created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_item ON alerts(item_id);
CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state);

CREATE TABLE IF NOT EXISTS user_actions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user       TEXT NOT NULL DEFAULT 'default',
    item_id    TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    kind       TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_item ON user_actions(item_id);
CREATE INDEX IF NOT EXISTS idx_actions_created ON user_actions(created_at);

CREATE TABLE IF NOT EXISTS user_preferences (
    feature_type    TEXT NOT NULL,
    feature_value   TEXT NOT NULL,
    weight          REAL NOT NULL DEFAULT 0,
    updated_at      DATETIME NOT NULL,
    decay_anchor_at DATETIME NOT NULL,
    PRIMARY KEY (feature_type, feature_value)
);

CREATE TABLE IF NOT EXISTS collection_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id       TEXT NOT NULL,
    success         BOOLEAN NOT NULL,
    items_collected INTEGER NOT NULL DEFAULT 0,
    items_new       INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collection_log_source ON collection_log(source_id);
CREATE INDEX IF NOT EXISTS idx_collection_log_created ON collection_log(created_at);
`

// pragmas are applied on every open. WAL keeps collection cycles from
// blocking API reads; NORMAL sync is safe with WAL.
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
}
