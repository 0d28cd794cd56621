package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownSource is returned for a source tag outside the supported set.
var ErrUnknownSource = errors.New("unknown source")

// SourceType identifies which platform a record came from.
type SourceType string

const (
	SourceReddit     SourceType = "reddit"
	SourceGitHub     SourceType = "github"
	SourceHackerNews SourceType = "hackernews"
)

// AllSourceTypes returns all known source types.
func AllSourceTypes() []SourceType {
	return []SourceType{SourceReddit, SourceGitHub, SourceHackerNews}
}

// ParseSourceType resolves a source tag, accepting the "hn" short form.
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(strings.ToLower(strings.TrimSpace(s)))
	if st == "hn" {
		st = SourceHackerNews
	}
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st, nil
}

// Validate returns ErrUnknownSource unless st is one of the supported sources.
func (st SourceType) Validate() error {
	switch st {
	case SourceReddit, SourceGitHub, SourceHackerNews:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownSource, string(st))
}

// Metric names one primary numeric field of a record.
// Key is the public name used in trend and comparison output, Column the stored column.
type Metric struct {
	Key    string
	Column string
}

// Table returns the item table backing the source.
func (st SourceType) Table() string {
	switch st {
	case SourceReddit:
		return "reddit_posts"
	case SourceGitHub:
		return "github_repos"
	case SourceHackerNews:
		return "hackernews_stories"
	}
	return ""
}

// RankField is the column items are ordered by, descending.
func (st SourceType) RankField() string {
	if st == SourceGitHub {
		return "stars"
	}
	return "score"
}

// Metrics returns the primary numeric fields, in the order Record.MetricValues reports them.
func (st SourceType) Metrics() []Metric {
	switch st {
	case SourceReddit:
		return []Metric{{Key: "score", Column: "score"}, {Key: "comments", Column: "num_comments"}}
	case SourceGitHub:
		return []Metric{{Key: "stars", Column: "stars"}, {Key: "forks", Column: "forks"}}
	case SourceHackerNews:
		return []Metric{{Key: "score", Column: "score"}, {Key: "comments", Column: "descendants"}}
	}
	return nil
}

// Record is a normalized item from one of the sources.
type Record interface {
	Source() SourceType
	NaturalID() string
	MetricValues() []float64
}

// Post is a normalized Reddit post.
type Post struct {
	ID          string    `json:"id" db:"id"`
	SessionID   int64     `json:"session_id" db:"session_id"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	Score       int       `json:"score" db:"score"`
	UpvoteRatio float64   `json:"upvote_ratio" db:"upvote_ratio"`
	NumComments int       `json:"num_comments" db:"num_comments"`
	CreatedUTC  float64   `json:"created_utc" db:"created_utc"`
	URL         string    `json:"url" db:"url"`
	Permalink   string    `json:"permalink" db:"permalink"`
	Subreddit   string    `json:"subreddit" db:"subreddit"`
	Selftext    string    `json:"selftext" db:"selftext"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

func (p Post) Source() SourceType { return SourceReddit }
func (p Post) NaturalID() string  { return p.ID }
func (p Post) MetricValues() []float64 {
	return []float64{float64(p.Score), float64(p.NumComments)}
}

// Repository is a normalized GitHub repository.
type Repository struct {
	ID          int64     `json:"id" db:"id"`
	SessionID   int64     `json:"session_id" db:"session_id"`
	Name        string    `json:"name" db:"name"`
	FullName    string    `json:"full_name" db:"full_name"`
	Description string    `json:"description" db:"description"`
	Language    string    `json:"language" db:"language"`
	Stars       int       `json:"stars" db:"stars"`
	Forks       int       `json:"forks" db:"forks"`
	Watchers    int       `json:"watchers" db:"watchers"`
	OpenIssues  int       `json:"open_issues" db:"open_issues"`
	CreatedAt   string    `json:"created_at" db:"created_at"`
	UpdatedAt   string    `json:"updated_at" db:"updated_at"`
	PushedAt    string    `json:"pushed_at" db:"pushed_at"`
	Size        int       `json:"size" db:"size"`
	URL         string    `json:"url" db:"url"`
	License     string    `json:"license" db:"license"`
	Topics      []string  `json:"topics" db:"-"`
	TopicsJSON  string    `json:"-" db:"topics"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

func (r Repository) Source() SourceType { return SourceGitHub }
func (r Repository) NaturalID() string  { return fmt.Sprintf("%d", r.ID) }
func (r Repository) MetricValues() []float64 {
	return []float64{float64(r.Stars), float64(r.Forks)}
}

// Story is a normalized Hacker News story.
type Story struct {
	ID          int64     `json:"id" db:"id"`
	SessionID   int64     `json:"session_id" db:"session_id"`
	Title       string    `json:"title" db:"title"`
	By          string    `json:"by" db:"by"`
	Score       int       `json:"score" db:"score"`
	Descendants int       `json:"descendants" db:"descendants"`
	Time        int64     `json:"time" db:"time"`
	URL         string    `json:"url" db:"url"`
	Text        string    `json:"text" db:"text"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

func (s Story) Source() SourceType { return SourceHackerNews }
func (s Story) NaturalID() string  { return fmt.Sprintf("%d", s.ID) }
func (s Story) MetricValues() []float64 {
	return []float64{float64(s.Score), float64(s.Descendants)}
}

// Source is the interface every collector must implement.
type Source interface {
	Name() SourceType
	Collect(ctx context.Context) ([]Record, error)
}
