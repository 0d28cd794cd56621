package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not re-apply anything.
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	var versions []int
	require.NoError(t, s.db.Select(&versions, "SELECT version FROM schema_migrations ORDER BY version"))
	assert.Equal(t, []int{1, 2}, versions)
}

func TestMigrations_CreatesTablesAndIndexes(t *testing.T) {
	s := openTestStore(t)

	var tables []string
	require.NoError(t, s.db.Select(&tables,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"))
	assert.Equal(t, []string{"github_repos", "hackernews_stories", "reddit_posts", "schema_migrations", "sessions"}, tables)

	var indexes []string
	require.NoError(t, s.db.Select(&indexes,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%' ORDER BY name"))
	assert.Subset(t, indexes, []string{
		"idx_sessions_source_date",
		"idx_reddit_collected_at",
		"idx_github_collected_at",
		"idx_hackernews_collected_at",
	})
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
