package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sources  SourcesConfig  `yaml:"sources"`
	Filter   FilterConfig   `yaml:"filter"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// ScheduleConfig configures the periodic collection jobs.
type ScheduleConfig struct {
	Interval      string `yaml:"interval"`
	RunOnStart    bool   `yaml:"run_on_start"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryDelay    string `yaml:"retry_delay"`
	MaxRetryDelay string `yaml:"max_retry_delay"`
	Backoff       string `yaml:"backoff"` // fixed or exponential
}

// ParseInterval returns the collection interval, falling back to six hours.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, 6*time.Hour)
}

// ParseRetryDelay returns the base retry delay.
func (s ScheduleConfig) ParseRetryDelay() time.Duration {
	return parseDuration(s.RetryDelay, time.Minute)
}

// ParseMaxRetryDelay returns the backoff ceiling.
func (s ScheduleConfig) ParseMaxRetryDelay() time.Duration {
	return parseDuration(s.MaxRetryDelay, 30*time.Minute)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SourcesConfig holds configuration for all data sources.
type SourcesConfig struct {
	Reddit     RedditConfig     `yaml:"reddit"`
	GitHub     GitHubConfig     `yaml:"github"`
	HackerNews HackerNewsConfig `yaml:"hackernews"`
}

// RedditConfig for the Reddit fetcher.
type RedditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Subreddit    string `yaml:"subreddit"`
	Sort         string `yaml:"sort"`
	Limit        int    `yaml:"limit"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// GitHubConfig for the GitHub search fetcher.
type GitHubConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"token"`
	Language string `yaml:"language"`
	Sort     string `yaml:"sort"`
	Limit    int    `yaml:"limit"`
}

// HackerNewsConfig for the Hacker News fetcher.
type HackerNewsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	StoryType   string `yaml:"story_type"` // top, new, best
	Limit       int    `yaml:"limit"`
	Concurrency int    `yaml:"concurrency"`
}

// Enabled lists the names of enabled sources.
func (s SourcesConfig) Enabled() []string {
	var out []string
	if s.Reddit.Enabled {
		out = append(out, "reddit")
	}
	if s.GitHub.Enabled {
		out = append(out, "github")
	}
	if s.HackerNews.Enabled {
		out = append(out, "hackernews")
	}
	return out
}

// FilterConfig configures title keyword filtering for Reddit and Hacker News.
type FilterConfig struct {
	IncludeKeywords []string `yaml:"include_keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	NotifyOnCollect bool          `yaml:"notify_on_collect"`
	Slack           SlackConfig   `yaml:"slack"`
	Discord         DiscordConfig `yaml:"discord"`
	Webhook         WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data/apipulse.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Schedule: ScheduleConfig{
			Interval:      "6h",
			RunOnStart:    true,
			MaxRetries:    3,
			RetryDelay:    "60s",
			MaxRetryDelay: "30m",
			Backoff:       "exponential",
		},
		Sources: SourcesConfig{
			Reddit:     RedditConfig{Enabled: true, Subreddit: "python", Sort: "hot", Limit: 100},
			GitHub:     GitHubConfig{Enabled: true, Language: "python", Sort: "stars", Limit: 100},
			HackerNews: HackerNewsConfig{Enabled: true, StoryType: "top", Limit: 100, Concurrency: 10},
		},
		Server: ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Schedule.Backoff) {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("config: schedule.backoff must be fixed or exponential, got %q", c.Schedule.Backoff)
	}
	if c.Schedule.MaxRetries < 0 {
		return fmt.Errorf("config: schedule.max_retries must not be negative")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APIPULSE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("APIPULSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Sources.GitHub.Token = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("APIPULSE_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
}
