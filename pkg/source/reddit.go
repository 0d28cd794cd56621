package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	redditPublicURL = "https://www.reddit.com"
	redditOAuthURL  = "https://oauth.reddit.com"
	redditTokenURL  = "https://www.reddit.com/api/v1/access_token"
	redditUserAgent = "apipulse/1.0"
)

// RedditOptions configures the Reddit collector.
type RedditOptions struct {
	Subreddit    string
	Sort         string
	Limit        int
	ClientID     string
	ClientSecret string
	PageDelay    time.Duration
	Filter       *Filter

	// BaseURL and TokenURL override the API endpoints.
	BaseURL  string
	TokenURL string
}

// Reddit collects posts from a subreddit listing.
// Without client credentials it reads the public JSON listing.
type Reddit struct {
	client *http.Client
	opts   RedditOptions

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewReddit creates a new Reddit collector.
func NewReddit(opts RedditOptions) *Reddit {
	if opts.Subreddit == "" {
		opts.Subreddit = "python"
	}
	if opts.Sort == "" {
		opts.Sort = "hot"
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.TokenURL == "" {
		opts.TokenURL = redditTokenURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = redditPublicURL
		if opts.ClientID != "" {
			opts.BaseURL = redditOAuthURL
		}
	}
	return &Reddit{
		client: &http.Client{Timeout: 30 * time.Second},
		opts:   opts,
	}
}

func (r *Reddit) Name() SourceType { return SourceReddit }

func (r *Reddit) Collect(ctx context.Context) ([]Record, error) {
	if r.opts.ClientID != "" {
		if err := r.authenticate(ctx); err != nil {
			return nil, fmt.Errorf("reddit auth: %w", err)
		}
	}

	var (
		records []Record
		after   string
	)
	for len(records) < r.opts.Limit {
		listing, err := r.fetchPage(ctx, after)
		if err != nil {
			return nil, err
		}

		for _, child := range listing.Data.Children {
			raw := child.Data
			if raw.Stickied || !r.opts.Filter.Match(raw.Title) {
				continue
			}
			records = append(records, NormalizePost(raw))
			if len(records) >= r.opts.Limit {
				break
			}
		}

		after = listing.Data.After
		if after == "" || len(listing.Data.Children) == 0 {
			break
		}
		if err := sleepCtx(ctx, r.opts.PageDelay); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func (r *Reddit) authenticate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.TokenURL,
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}

	req.SetBasicAuth(r.opts.ClientID, r.opts.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reddit token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reddit auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("decode reddit token: %w", err)
	}

	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return nil
}

func (r *Reddit) fetchPage(ctx context.Context, after string) (*redditListing, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(min(r.opts.Limit, 100)))
	if after != "" {
		params.Set("after", after)
	}

	reqURL := fmt.Sprintf("%s/r/%s/%s.json?%s", r.opts.BaseURL, r.opts.Subreddit, r.opts.Sort, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", redditUserAgent)
	r.mu.Lock()
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	r.mu.Unlock()

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch r/%s: %w", r.opts.Subreddit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit r/%s status %d", r.opts.Subreddit, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode r/%s: %w", r.opts.Subreddit, err)
	}
	return &listing, nil
}

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data RawPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
