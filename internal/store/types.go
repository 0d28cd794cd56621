package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/elonfeng/apipulse/pkg/source"
)

var (
	// ErrEmptyBatch rejects a session with no items. Nothing is written.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrInvalidArgument covers non-positive limits and malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a requested session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable wraps failures of the underlying database.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Session is one immutable collection run for one source.
type Session struct {
	ID           int64             `db:"id" json:"id"`
	Source       source.SourceType `db:"source" json:"source"`
	CollectedAt  time.Time         `db:"collected_at" json:"collected_at"`
	ItemCount    int               `db:"item_count" json:"item_count"`
	MetadataJSON sql.NullString    `db:"metadata" json:"-"`
	Metadata     map[string]any    `db:"-" json:"metadata,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// Statistics is a cross-source rollup of the collection history.
type Statistics struct {
	SessionsBySource       map[source.SourceType]int       `json:"sessions_by_source"`
	TotalRedditPosts       int                             `json:"total_reddit_posts"`
	TotalGitHubRepos       int                             `json:"total_github_repos"`
	TotalHackerNewsStories int                             `json:"total_hackernews_stories"`
	LastCollected          map[source.SourceType]time.Time `json:"last_collected"`
}
