package source

import (
	"fmt"
	"strings"
)

// MaxTextLength caps free-text fields (Reddit selftext, HN story text), in characters.
const MaxTextLength = 500

// RawPost is a Reddit listing child as returned by the API.
type RawPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Subreddit   string  `json:"subreddit"`
	Selftext    string  `json:"selftext"`
	Stickied    bool    `json:"stickied"`
}

// RawRepository is a GitHub search result item.
type RawRepository struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	FullName    string      `json:"full_name"`
	Description *string     `json:"description"`
	Language    *string     `json:"language"`
	Stars       int         `json:"stargazers_count"`
	Forks       int         `json:"forks_count"`
	Watchers    int         `json:"watchers_count"`
	OpenIssues  int         `json:"open_issues_count"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	PushedAt    string      `json:"pushed_at"`
	Size        int         `json:"size"`
	HTMLURL     string      `json:"html_url"`
	License     *RawLicense `json:"license"`
	Topics      []string    `json:"topics"`
}

// RawLicense is the license object embedded in a GitHub repository.
type RawLicense struct {
	Name string `json:"name"`
}

// RawStory is a Hacker News item.
type RawStory struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	By          string `json:"by"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	Time        int64  `json:"time"`
	URL         string `json:"url"`
	Text        string `json:"text"`
}

// NormalizePost maps a raw Reddit post to a Post.
func NormalizePost(raw RawPost) Post {
	permalink := raw.Permalink
	if strings.HasPrefix(permalink, "/") {
		permalink = "https://reddit.com" + permalink
	}
	return Post{
		ID:          raw.ID,
		Title:       raw.Title,
		Author:      raw.Author,
		Score:       raw.Score,
		UpvoteRatio: raw.UpvoteRatio,
		NumComments: raw.NumComments,
		CreatedUTC:  raw.CreatedUTC,
		URL:         raw.URL,
		Permalink:   permalink,
		Subreddit:   raw.Subreddit,
		Selftext:    truncate(raw.Selftext, MaxTextLength),
	}
}

// NormalizeRepository maps a raw GitHub repository to a Repository.
func NormalizeRepository(raw RawRepository) Repository {
	repo := Repository{
		ID:          raw.ID,
		Name:        raw.Name,
		FullName:    raw.FullName,
		Description: deref(raw.Description),
		Language:    deref(raw.Language),
		Stars:       raw.Stars,
		Forks:       raw.Forks,
		Watchers:    raw.Watchers,
		OpenIssues:  raw.OpenIssues,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		PushedAt:    raw.PushedAt,
		Size:        raw.Size,
		URL:         raw.HTMLURL,
		Topics:      raw.Topics,
	}
	if raw.License != nil {
		repo.License = raw.License.Name
	}
	if repo.Topics == nil {
		repo.Topics = []string{}
	}
	return repo
}

// NormalizeStory maps a raw Hacker News item to a Story.
func NormalizeStory(raw RawStory) Story {
	story := Story{
		ID:          raw.ID,
		Title:       raw.Title,
		By:          raw.By,
		Score:       raw.Score,
		Descendants: raw.Descendants,
		Time:        raw.Time,
		URL:         raw.URL,
		Text:        truncate(raw.Text, MaxTextLength),
	}
	if story.URL == "" {
		story.URL = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", raw.ID)
	}
	return story
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
