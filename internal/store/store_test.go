package store

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// openTestStore creates a migrated Store in a temp directory.
func openTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func repos(specs ...[3]int) []source.Record {
	out := make([]source.Record, 0, len(specs))
	for _, sp := range specs {
		out = append(out, source.Repository{
			ID:     int64(sp[0]),
			Name:   "repo",
			Stars:  sp[1],
			Forks:  sp[2],
			Topics: []string{"cli"},
		})
	}
	return out
}

func posts(ids ...string) []source.Record {
	out := make([]source.Record, 0, len(ids))
	for i, id := range ids {
		out = append(out, source.Post{ID: id, Title: "post " + id, Score: (i + 1) * 10, NumComments: i})
	}
	return out
}

func naturalIDs(records []source.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.NaturalID())
	}
	sort.Strings(ids)
	return ids
}

func TestCreateSession_GetSessionItems_ReturnsBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, source.SourceReddit, posts("a", "b", "c"), map[string]any{"subreddit": "golang"})
	require.NoError(t, err)
	assert.Positive(t, id)

	items, err := s.GetSessionItems(ctx, id, source.SourceReddit)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, naturalIDs(items))

	// Ordered by score descending.
	assert.Equal(t, "c", items[0].NaturalID())
	assert.Equal(t, "a", items[2].NaturalID())

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, source.SourceReddit, sess.Source)
	assert.Equal(t, 3, sess.ItemCount)
	assert.Equal(t, "golang", sess.Metadata["subreddit"])
}

func TestCreateSession_EmptyBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, source.SourceGitHub, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.SessionsBySource)
}

func TestCreateSession_UnknownSource(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSession(context.Background(), source.SourceType("twitter"), posts("a"), nil)
	assert.ErrorIs(t, err, source.ErrUnknownSource)
}

func TestCreateSession_RejectsMismatchedItems(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSession(context.Background(), source.SourceGitHub, posts("a"), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateSession_ReplacesByNaturalID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 10, 2}), nil)
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 15, 3}), nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.Get(&count, "SELECT COUNT(*) FROM github_repos WHERE id = 1"))
	assert.Equal(t, 1, count)

	// Ownership moved to the newer session; the older one keeps its frozen item_count.
	old, err := s.GetSessionItems(ctx, first, source.SourceGitHub)
	require.NoError(t, err)
	assert.Empty(t, old)

	sess, err := s.GetSession(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ItemCount)

	items, err := s.GetSessionItems(ctx, second, source.SourceGitHub)
	require.NoError(t, err)
	require.Len(t, items, 1)
	repo := items[0].(source.Repository)
	assert.Equal(t, 15, repo.Stars)
	assert.Equal(t, second, repo.SessionID)
	assert.Equal(t, []string{"cli"}, repo.Topics)
}

func TestGetSessionItems_Scenario(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 10, 2}, [3]int{2, 5, 1}), nil)
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 15, 3}, [3]int{3, 8, 0}), nil)
	require.NoError(t, err)

	items, err := s.GetSessionItems(ctx, b, source.SourceGitHub)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, naturalIDs(items))
}

func TestGetSessionItems_UnknownSessionIsEmpty(t *testing.T) {
	s := openTestStore(t)

	items, err := s.GetSessionItems(context.Background(), 999, source.SourceHackerNews)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestGetSessionItems_UnknownSource(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSessionItems(context.Background(), 1, source.SourceType("myspace"))
	assert.ErrorIs(t, err, source.ErrUnknownSource)
}

func TestStoryColumnsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	story := source.Story{ID: 42, Title: "Show HN", By: "pg", Score: 100, Descendants: 12, Time: 1700000000, Text: "hello"}
	id, err := s.CreateSession(ctx, source.SourceHackerNews, []source.Record{&story}, nil)
	require.NoError(t, err)

	items, err := s.GetSessionItems(ctx, id, source.SourceHackerNews)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0].(source.Story)
	assert.Equal(t, "pg", got.By)
	assert.Equal(t, int64(1700000000), got.Time)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, id, got.SessionID)
	assert.False(t, got.CollectedAt.IsZero())
}

func TestGetLatestSession(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.GetLatestSession(ctx, source.SourceReddit)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateSession(ctx, source.SourceReddit, posts("a"), nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	latest, err := s.CreateSession(ctx, source.SourceReddit, posts("b"), nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 1, 1}), nil)
	require.NoError(t, err)

	sess, err := s.GetLatestSession(ctx, source.SourceReddit)
	require.NoError(t, err)
	assert.Equal(t, latest, sess.ID)
	assert.True(t, sess.CollectedAt.Equal(time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)))
}

func TestGetRecentSessions(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.CreateSession(ctx, source.SourceReddit, posts("p"), nil)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Minute)
	}

	sessions, err := s.GetRecentSessions(ctx, source.SourceReddit, 3)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, ids[4], sessions[0].ID)
	assert.Equal(t, ids[3], sessions[1].ID)
	assert.Equal(t, ids[2], sessions[2].ID)

	_, err = s.GetRecentSessions(ctx, source.SourceReddit, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestListSessions_Window(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{t: base}
	s := openTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.CreateSession(ctx, source.SourceHackerNews, []source.Record{source.Story{ID: 1, Title: "x"}}, nil)
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)
	}

	sessions, err := s.ListSessions(ctx, source.SourceHackerNews, base.Add(24*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].CollectedAt.Before(sessions[1].CollectedAt))
	for _, sess := range sessions {
		assert.False(t, sess.CollectedAt.Before(base.Add(24*time.Hour)))
		assert.False(t, sess.CollectedAt.After(base.Add(48*time.Hour)))
	}
}

func TestGetStatistics_Scenario(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, source.SourceReddit, posts("a", "b", "c"), nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 1, 1}, [3]int{2, 2, 2}), nil)
	require.NoError(t, err)

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[source.SourceType]int{source.SourceReddit: 1, source.SourceGitHub: 1}, stats.SessionsBySource)
	assert.Equal(t, 3, stats.TotalRedditPosts)
	assert.Equal(t, 2, stats.TotalGitHubRepos)
	assert.Equal(t, 0, stats.TotalHackerNewsStories)
	assert.Contains(t, stats.LastCollected, source.SourceReddit)
	assert.NotContains(t, stats.LastCollected, source.SourceHackerNews)
}

func TestCreateSession_ConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		for _, src := range source.AllSourceTypes() {
			wg.Add(1)
			go func(src source.SourceType) {
				defer wg.Done()
				var items []source.Record
				switch src {
				case source.SourceReddit:
					items = posts("x", "y")
				case source.SourceGitHub:
					items = repos([3]int{7, 1, 1})
				case source.SourceHackerNews:
					items = []source.Record{source.Story{ID: 9, Title: "t"}}
				}
				_, err := s.CreateSession(ctx, src, items, nil)
				errs <- err
			}(src)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.SessionsBySource[source.SourceReddit])
	assert.Equal(t, 10, stats.SessionsBySource[source.SourceGitHub])
	assert.Equal(t, 10, stats.SessionsBySource[source.SourceHackerNews])
	assert.Equal(t, 2, stats.TotalRedditPosts)
}

// strayRecord claims the github source but has no stored shape.
type strayRecord struct{ id string }

func (r strayRecord) Source() source.SourceType { return source.SourceGitHub }
func (r strayRecord) NaturalID() string         { return r.id }
func (r strayRecord) MetricValues() []float64   { return []float64{0, 0} }

func TestCreateSession_FailedItemRollsBackBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 10, 2}), nil)
	require.NoError(t, err)
	before, err := s.GetStatistics(ctx)
	require.NoError(t, err)

	batch := append(repos([3]int{1, 99, 9}, [3]int{5, 3, 1}), strayRecord{id: "x"})
	_, err = s.CreateSession(ctx, source.SourceGitHub, batch, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	after, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.SessionsBySource, after.SessionsBySource)
	assert.Equal(t, 1, after.TotalGitHubRepos)

	var count int
	require.NoError(t, s.db.Get(&count, "SELECT COUNT(*) FROM github_repos WHERE id = 5"))
	assert.Zero(t, count)

	// The replaced row keeps its old owner and values.
	items, err := s.GetSessionItems(ctx, first, source.SourceGitHub)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 10, items[0].(source.Repository).Stars)
}

func TestCreateSession_CancelledContextWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateSession(ctx, source.SourceReddit, posts("a", "b"), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)

	stats, err := s.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats.SessionsBySource)
	assert.Zero(t, stats.TotalRedditPosts)
}

func TestCorruptJSONColumnsSurfaceErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, source.SourceGitHub, repos([3]int{1, 10, 2}), map[string]any{"run_id": "r"})
	require.NoError(t, err)

	_, err = s.db.Exec("UPDATE github_repos SET topics = '{broken' WHERE id = 1")
	require.NoError(t, err)
	_, err = s.GetSessionItems(ctx, id, source.SourceGitHub)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = s.db.Exec("UPDATE sessions SET metadata = 'not json' WHERE id = ?", id)
	require.NoError(t, err)
	_, err = s.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = s.GetRecentSessions(ctx, source.SourceGitHub, 5)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
