package trend

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_GitHubDistributions(t *testing.T) {
	f := newFixture(t)

	id := f.sessionAt(t, base, source.SourceGitHub,
		source.Repository{ID: 1, Stars: 10, Forks: 1, Language: "Go", License: "MIT", Topics: []string{"cli", "devops"}},
		source.Repository{ID: 2, Stars: 20, Forks: 3, Language: "Go", Topics: []string{"cli"}},
		source.Repository{ID: 3, Stars: 60, Forks: 5, Language: "Rust", License: "MIT"},
	)

	a, err := f.engine.Analyze(context.Background(), source.SourceGitHub, id)
	require.NoError(t, err)

	assert.Equal(t, 3, a.TotalCount)
	assert.True(t, a.CollectedAt.Equal(base))

	stars := a.Metrics["stars"]
	assert.InDelta(t, 30.0, stars.Mean, 1e-9)
	assert.InDelta(t, 20.0, stars.Median, 1e-9)
	assert.InDelta(t, 26.457513, stars.Std, 1e-5)
	assert.InDelta(t, 10.0, stars.Min, 1e-9)
	assert.InDelta(t, 60.0, stars.Max, 1e-9)

	assert.Equal(t, map[string]int{"Go": 2, "Rust": 1}, a.Distributions["language"])
	assert.Equal(t, map[string]int{"MIT": 2}, a.Distributions["license"])
	assert.Equal(t, []TermCount{{Term: "cli", Count: 2}, {Term: "devops", Count: 1}}, a.TopTopics)
	assert.Empty(t, a.TopKeywords)
}

func TestAnalyze_LatestRedditSession(t *testing.T) {
	f := newFixture(t)

	f.sessionAt(t, base.Add(-time.Hour), source.SourceReddit, source.Post{ID: "old", Title: "ignored", Subreddit: "go"})
	latest := f.sessionAt(t, base, source.SourceReddit,
		source.Post{ID: "a", Title: "Golang generics are great", Subreddit: "golang", Score: 10},
		source.Post{ID: "b", Title: "Why generics in Golang?", Subreddit: "golang", Score: 20},
		source.Post{ID: "c", Title: "The rust borrow checker", Subreddit: "rust", Score: 30},
	)

	a, err := f.engine.Analyze(context.Background(), source.SourceReddit, 0)
	require.NoError(t, err)

	assert.Equal(t, latest, a.SessionID)
	assert.Equal(t, map[string]int{"golang": 2, "rust": 1}, a.Distributions["subreddit"])
	require.GreaterOrEqual(t, len(a.TopKeywords), 2)
	assert.Equal(t, TermCount{Term: "generics", Count: 2}, a.TopKeywords[0])
	assert.Equal(t, TermCount{Term: "golang", Count: 2}, a.TopKeywords[1])
	assert.InDelta(t, 20.0, a.Metrics["score"].Median, 1e-9)
}

func TestAnalyze_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Analyze(ctx, source.SourceHackerNews, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.Analyze(ctx, source.SourceHackerNews, 42)
	assert.ErrorIs(t, err, ErrSessionDataMissing)
}

type brokenSessionStore struct {
	store.Store
}

func (brokenSessionStore) GetSession(_ context.Context, id int64) (*store.Session, error) {
	return nil, fmt.Errorf("get session %d: %w", id, store.ErrStorageUnavailable)
}

func TestAnalyze_SessionLookupFailure(t *testing.T) {
	f := newFixture(t)
	id := f.sessionAt(t, base, source.SourceHackerNews, source.Story{ID: 1, Score: 5})

	e := NewEngine(brokenSessionStore{Store: f.store}, WithClock(func() time.Time { return base }))
	_, err := e.Analyze(context.Background(), source.SourceHackerNews, id)
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestSummarize_SingleValue(t *testing.T) {
	s := summarize([]float64{7})
	assert.Equal(t, Summary{Mean: 7, Median: 7, Std: 0, Min: 7, Max: 7}, s)
}

func TestSignificantTokens(t *testing.T) {
	assert.Equal(t, []string{"show", "built", "database"}, significantTokens("Show HN: I built a database, and it's OK"))
	assert.Empty(t, significantTokens("to be or not"))
}
