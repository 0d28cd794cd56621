package source

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const hnBaseURL = "https://hacker-news.firebaseio.com/v0"

// HackerNewsOptions configures the Hacker News collector.
type HackerNewsOptions struct {
	// StoryType is one of top, new, best, ask, show, job.
	StoryType   string
	Limit       int
	Concurrency int
	Filter      *Filter
	BaseURL     string
}

// HackerNews collects stories from the Hacker News Firebase API.
type HackerNews struct {
	client *http.Client
	opts   HackerNewsOptions
}

// NewHackerNews creates a new HN collector.
func NewHackerNews(opts HackerNewsOptions) *HackerNews {
	if opts.StoryType == "" {
		opts.StoryType = "top"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.BaseURL == "" {
		opts.BaseURL = hnBaseURL
	}
	return &HackerNews{
		client: &http.Client{Timeout: 30 * time.Second},
		opts:   opts,
	}
}

func (h *HackerNews) Name() SourceType { return SourceHackerNews }

func (h *HackerNews) Collect(ctx context.Context) ([]Record, error) {
	ids, err := h.fetchStoryIDs(ctx)
	if err != nil {
		return nil, err
	}

	if len(ids) > h.opts.Limit {
		ids = ids[:h.opts.Limit]
	}

	// Slots keep the ranking order of the id list.
	var (
		stories = make([]*Story, len(ids))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, h.opts.Concurrency)
	)

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			raw, err := h.fetchItem(ctx, id)
			if err != nil || raw == nil {
				return
			}
			if !h.opts.Filter.Match(raw.Title) {
				return
			}

			story := NormalizeStory(*raw)
			stories[i] = &story
		}(i, id)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(stories))
	for _, s := range stories {
		if s != nil {
			records = append(records, *s)
		}
	}
	return records, nil
}

func (h *HackerNews) fetchStoryIDs(ctx context.Context) ([]int64, error) {
	reqURL := fmt.Sprintf("%s/%sstories.json", h.opts.BaseURL, h.opts.StoryType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create hn request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn %s stories: %w", h.opts.StoryType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn %s stories status %d", h.opts.StoryType, resp.StatusCode)
	}

	var ids []int64
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode hn %s stories: %w", h.opts.StoryType, err)
	}
	return ids, nil
}

func (h *HackerNews) fetchItem(ctx context.Context, id int64) (*RawStory, error) {
	reqURL := fmt.Sprintf("%s/item/%d.json", h.opts.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create hn item request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hn item %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hn item %d status %d", id, resp.StatusCode)
	}

	var story RawStory
	if err := json.NewDecoder(resp.Body).Decode(&story); err != nil {
		return nil, fmt.Errorf("decode hn item %d: %w", id, err)
	}

	if story.Type != "story" {
		return nil, nil
	}
	return &story, nil
}
