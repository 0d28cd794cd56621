package trend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/source"
)

const topN = 20

// Summary holds descriptive statistics for one metric.
type Summary struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// TermCount pairs a keyword or topic with its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// Analysis describes the items of a single session.
type Analysis struct {
	Source        source.SourceType         `json:"source"`
	SessionID     int64                     `json:"session_id"`
	CollectedAt   time.Time                 `json:"collected_at"`
	TotalCount    int                       `json:"total_count"`
	Metrics       map[string]Summary        `json:"metrics"`
	Distributions map[string]map[string]int `json:"distributions,omitempty"`
	TopTopics     []TermCount               `json:"top_topics,omitempty"`
	TopKeywords   []TermCount               `json:"top_keywords,omitempty"`
}

// Analyze summarizes a session. A sessionID of 0 selects the latest session.
func (e *Engine) Analyze(ctx context.Context, src source.SourceType, sessionID int64) (*Analysis, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var collectedAt time.Time
	if sessionID == 0 {
		latest, err := e.store.GetLatestSession(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("latest %s session: %w", src, err)
		}
		sessionID, collectedAt = latest.ID, latest.CollectedAt
	} else {
		sess, err := e.store.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			collectedAt = sess.CollectedAt
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("session %d: %w", sessionID, err)
		}
	}

	items, err := e.store.GetSessionItems(ctx, sessionID, src)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: analyze %s session %d", ErrSessionDataMissing, src, sessionID)
	}

	a := &Analysis{
		Source:      src,
		SessionID:   sessionID,
		CollectedAt: collectedAt,
		TotalCount:  len(items),
		Metrics:     make(map[string]Summary),
	}

	for i, m := range src.Metrics() {
		values := make([]float64, len(items))
		for j, item := range items {
			values[j] = item.MetricValues()[i]
		}
		a.Metrics[m.Key] = summarize(values)
	}

	switch src {
	case source.SourceReddit:
		subs := make(map[string]int)
		var titles []string
		for _, item := range items {
			p := item.(source.Post)
			if p.Subreddit != "" {
				subs[p.Subreddit]++
			}
			titles = append(titles, p.Title)
		}
		a.Distributions = map[string]map[string]int{"subreddit": subs}
		a.TopKeywords = topKeywords(titles, topN)

	case source.SourceGitHub:
		langs := make(map[string]int)
		licenses := make(map[string]int)
		topics := make(map[string]int)
		for _, item := range items {
			r := item.(source.Repository)
			if r.Language != "" {
				langs[r.Language]++
			}
			if r.License != "" {
				licenses[r.License]++
			}
			for _, t := range r.Topics {
				topics[t]++
			}
		}
		a.Distributions = map[string]map[string]int{"language": langs, "license": licenses}
		a.TopTopics = mostCommon(topics, topN)

	case source.SourceHackerNews:
		var titles []string
		for _, item := range items {
			titles = append(titles, item.(source.Story).Title)
		}
		a.TopKeywords = topKeywords(titles, topN)
	}

	return a, nil
}

// summarize computes mean, median, sample standard deviation, min and max.
// A single value has a standard deviation of 0.
func summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var std float64
	if n > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - mean) * (v - mean)
		}
		std = math.Sqrt(sq / float64(n-1))
	}

	return Summary{Mean: mean, Median: median, Std: std, Min: sorted[0], Max: sorted[n-1]}
}

// topKeywords counts significant title words and returns the n most frequent.
func topKeywords(titles []string, n int) []TermCount {
	counts := make(map[string]int)
	for _, title := range titles {
		for _, tok := range significantTokens(title) {
			counts[tok]++
		}
	}
	return mostCommon(counts, n)
}

func mostCommon(counts map[string]int, n int) []TermCount {
	out := make([]TermCount, 0, len(counts))
	for term, c := range counts {
		out = append(out, TermCount{Term: term, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "are": true, "was": true, "were": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "this": true, "that": true, "these": true,
	"those": true, "its": true, "they": true, "them": true, "their": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"why": true, "how": true, "you": true, "your": true, "not": true,
	"just": true, "about": true, "out": true, "can": true, "all": true,
	"more": true, "also": true, "than": true, "very": true,
}

// significantTokens extracts lowercase words of three or more letters, minus stopwords.
func significantTokens(title string) []string {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	var tokens []string
	for _, w := range words {
		if len([]rune(w)) > 2 && !stopwords[w] {
			tokens = append(tokens, w)
		}
	}
	return tokens
}
