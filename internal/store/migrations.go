package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is a single schema step, applied once and recorded in schema_migrations.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "collection_history", SQL: schemaV1},
	{Version: 2, Name: "item_session_indexes", SQL: schemaV2},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source       TEXT NOT NULL,
    collected_at DATETIME NOT NULL,
    item_count   INTEGER NOT NULL,
    metadata     TEXT,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_source_date ON sessions(source, collected_at);

CREATE TABLE IF NOT EXISTS reddit_posts (
    id           TEXT PRIMARY KEY,
    session_id   INTEGER NOT NULL REFERENCES sessions(id),
    title        TEXT NOT NULL,
    author       TEXT NOT NULL DEFAULT '',
    score        INTEGER NOT NULL DEFAULT 0,
    upvote_ratio REAL NOT NULL DEFAULT 0,
    num_comments INTEGER NOT NULL DEFAULT 0,
    created_utc  REAL NOT NULL DEFAULT 0,
    url          TEXT NOT NULL DEFAULT '',
    permalink    TEXT NOT NULL DEFAULT '',
    subreddit    TEXT NOT NULL DEFAULT '',
    selftext     TEXT NOT NULL DEFAULT '',
    collected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reddit_collected_at ON reddit_posts(collected_at);

CREATE TABLE IF NOT EXISTS github_repos (
    id           INTEGER PRIMARY KEY,
    session_id   INTEGER NOT NULL REFERENCES sessions(id),
    name         TEXT NOT NULL,
    full_name    TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    language     TEXT NOT NULL DEFAULT '',
    stars        INTEGER NOT NULL DEFAULT 0,
    forks        INTEGER NOT NULL DEFAULT 0,
    watchers     INTEGER NOT NULL DEFAULT 0,
    open_issues  INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL DEFAULT '',
    updated_at   TEXT NOT NULL DEFAULT '',
    pushed_at    TEXT NOT NULL DEFAULT '',
    size         INTEGER NOT NULL DEFAULT 0,
    url          TEXT NOT NULL DEFAULT '',
    license      TEXT NOT NULL DEFAULT '',
    topics       TEXT NOT NULL DEFAULT '[]',
    collected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_github_collected_at ON github_repos(collected_at);

CREATE TABLE IF NOT EXISTS hackernews_stories (
    id           INTEGER PRIMARY KEY,
    session_id   INTEGER NOT NULL REFERENCES sessions(id),
    title        TEXT NOT NULL,
    "by"         TEXT NOT NULL DEFAULT '',
    score        INTEGER NOT NULL DEFAULT 0,
    descendants  INTEGER NOT NULL DEFAULT 0,
    "time"       INTEGER NOT NULL DEFAULT 0,
    url          TEXT NOT NULL DEFAULT '',
    "text"       TEXT NOT NULL DEFAULT '',
    collected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hackernews_collected_at ON hackernews_stories(collected_at);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_reddit_session ON reddit_posts(session_id);
CREATE INDEX IF NOT EXISTS idx_github_session ON github_repos(session_id);
CREATE INDEX IF NOT EXISTS idx_hackernews_session ON hackernews_stories(session_id);
`

// migrate applies all pending migrations in order.
func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.Get(&count, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func applyMigration(db *sqlx.DB, m migration) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
