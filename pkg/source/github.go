package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

const githubAPIURL = "https://api.github.com"

// GitHubOptions configures the GitHub collector.
type GitHubOptions struct {
	Token     string
	Language  string
	Sort      string
	Limit     int
	PageDelay time.Duration
	BaseURL   string
}

// GitHub collects repositories from the GitHub search API.
type GitHub struct {
	client *http.Client
	opts   GitHubOptions
}

// NewGitHub creates a new GitHub collector.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.Language == "" {
		opts.Language = "python"
	}
	if opts.Sort == "" {
		opts.Sort = "stars"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.BaseURL == "" {
		opts.BaseURL = githubAPIURL
	}
	return &GitHub{
		client: &http.Client{Timeout: 30 * time.Second},
		opts:   opts,
	}
}

func (g *GitHub) Name() SourceType { return SourceGitHub }

func (g *GitHub) Collect(ctx context.Context) ([]Record, error) {
	perPage := min(g.opts.Limit, 100)

	var records []Record
	for page := 1; len(records) < g.opts.Limit; page++ {
		result, err := g.fetchPage(ctx, page, perPage)
		if err != nil {
			return nil, err
		}

		for _, repo := range result.Items {
			records = append(records, NormalizeRepository(repo))
			if len(records) >= g.opts.Limit {
				break
			}
		}

		if len(result.Items) < perPage {
			break
		}
		if err := sleepCtx(ctx, g.opts.PageDelay); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func (g *GitHub) fetchPage(ctx context.Context, page, perPage int) (*ghSearchResult, error) {
	params := url.Values{}
	params.Set("q", "language:"+g.opts.Language)
	params.Set("sort", g.opts.Sort)
	params.Set("order", "desc")
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))

	reqURL := g.opts.BaseURL + "/search/repositories?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create github request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "apipulse/1.0")
	if g.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.opts.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch github search page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API status %d", resp.StatusCode)
	}

	var result ghSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode github response: %w", err)
	}
	return &result, nil
}

type ghSearchResult struct {
	TotalCount int             `json:"total_count"`
	Items      []RawRepository `json:"items"`
}
