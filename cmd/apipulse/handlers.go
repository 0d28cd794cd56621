package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/apipulse/internal/collector"
	"github.com/elonfeng/apipulse/internal/config"
	"github.com/elonfeng/apipulse/internal/scheduler"
	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/alert"
	"github.com/elonfeng/apipulse/pkg/server"
	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/elonfeng/apipulse/pkg/trend"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// openStore loads config and opens the database. The caller closes the store.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, db, nil
}

func buildSources(cfg *config.Config) []source.Source {
	filter := source.NewFilter(cfg.Filter.IncludeKeywords, cfg.Filter.ExcludeKeywords)

	var sources []source.Source
	if c := cfg.Sources.Reddit; c.Enabled {
		sources = append(sources, source.NewReddit(source.RedditOptions{
			Subreddit:    c.Subreddit,
			Sort:         c.Sort,
			Limit:        c.Limit,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			PageDelay:    time.Second,
			Filter:       filter,
		}))
	}
	if c := cfg.Sources.GitHub; c.Enabled {
		sources = append(sources, source.NewGitHub(source.GitHubOptions{
			Token:     c.Token,
			Language:  c.Language,
			Sort:      c.Sort,
			Limit:     c.Limit,
			PageDelay: 500 * time.Millisecond,
		}))
	}
	if c := cfg.Sources.HackerNews; c.Enabled {
		sources = append(sources, source.NewHackerNews(source.HackerNewsOptions{
			StoryType:   c.StoryType,
			Limit:       c.Limit,
			Concurrency: c.Concurrency,
			Filter:      filter,
		}))
	}
	return sources
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildCollector(cfg *config.Config, db store.Store, alerts *alert.Manager) *collector.Collector {
	var opts []collector.Option
	if cfg.Alerts.NotifyOnCollect {
		opts = append(opts, collector.WithAlerts(alerts))
	}
	return collector.New(db, buildSources(cfg), opts...)
}

func buildScheduler(cfg *config.Config, col *collector.Collector, alerts *alert.Manager) *scheduler.Scheduler {
	interval := cfg.Schedule.ParseInterval()

	var jobs []scheduler.Job
	for _, st := range col.Sources() {
		jobs = append(jobs, scheduler.Job{
			Name:     "collect:" + string(st),
			Interval: interval,
			Run: func(ctx context.Context) error {
				_, err := col.Collect(ctx, st)
				return err
			},
		})
	}

	return scheduler.New(scheduler.Config{
		MaxRetries:    cfg.Schedule.MaxRetries,
		RetryDelay:    cfg.Schedule.ParseRetryDelay(),
		MaxRetryDelay: cfg.Schedule.ParseMaxRetryDelay(),
		Backoff:       scheduler.Backoff(strings.ToLower(cfg.Schedule.Backoff)),
		RunOnStart:    cfg.Schedule.RunOnStart,
	}, alerts, jobs...)
}

func parseSources(names []string) ([]source.SourceType, error) {
	var out []source.SourceType
	for _, name := range names {
		st, err := source.ParseSourceType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func runCollect(ctx context.Context, names []string) error {
	wanted, err := parseSources(names)
	if err != nil {
		return err
	}

	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	col := buildCollector(cfg, db, buildAlertManager(cfg))
	if len(col.Sources()) == 0 {
		return fmt.Errorf("no sources enabled in config")
	}

	results := col.CollectAll(ctx, wanted)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSESSION\tITEMS\tTOOK\tERROR")
	failed := 0
	for _, res := range results {
		errText := "-"
		if res.Err != nil {
			errText = res.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			res.Source, res.SessionID, res.Items, res.Duration.Round(time.Millisecond), errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed == len(results) {
		return fmt.Errorf("all %d collections failed", failed)
	}
	return nil
}

func runServe(ctx context.Context, port int) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	col := buildCollector(cfg, db, buildAlertManager(cfg))
	srv := server.New(db, trend.NewEngine(db), col, port)
	return srv.ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	alerts := buildAlertManager(cfg)
	col := buildCollector(cfg, db, alerts)
	sched := buildScheduler(cfg, col, alerts)
	srv := server.New(db, trend.NewEngine(db), col, port)

	log.Info().
		Strs("sources", cfg.Sources.Enabled()).
		Str("interval", cfg.Schedule.ParseInterval().String()).
		Bool("alerts", alerts.HasNotifiers()).
		Msg("starting daemon")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	return g.Wait()
}

func runSessions(ctx context.Context, name string, limit int, jsonOutput bool) error {
	st, err := source.ParseSourceType(name)
	if err != nil {
		return err
	}
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.GetRecentSessions(ctx, st, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Printf("no %s sessions yet (try: apipulse collect --source %s)\n", st, st)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOLLECTED\tITEMS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%d\n", s.ID, s.CollectedAt.Local().Format(time.RFC3339), s.ItemCount)
	}
	return w.Flush()
}

func runItems(ctx context.Context, name, rawID string, limit int, jsonOutput bool) error {
	st, err := source.ParseSourceType(name)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", rawID)
	}
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.GetSessionItems(ctx, id, st)
	if err != nil {
		return err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	if jsonOutput {
		return printJSON(items)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	switch st {
	case source.SourceReddit:
		fmt.Fprintln(w, "SCORE\tCOMMENTS\tSUBREDDIT\tTITLE")
		for _, it := range items {
			p := it.(source.Post)
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.Score, p.NumComments, p.Subreddit, clip(p.Title, 70))
		}
	case source.SourceGitHub:
		fmt.Fprintln(w, "STARS\tFORKS\tLANGUAGE\tREPO")
		for _, it := range items {
			r := it.(source.Repository)
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", r.Stars, r.Forks, r.Language, r.FullName)
		}
	case source.SourceHackerNews:
		fmt.Fprintln(w, "SCORE\tCOMMENTS\tBY\tTITLE")
		for _, it := range items {
			s := it.(source.Story)
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", s.Score, s.Descendants, s.By, clip(s.Title, 70))
		}
	}
	return w.Flush()
}

func runTrend(ctx context.Context, name string, days int, jsonOutput bool) error {
	st, err := source.ParseSourceType(name)
	if err != nil {
		return err
	}
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	points, err := trend.NewEngine(db).Trend(ctx, st, days)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(points)
	}
	if len(points) == 0 {
		fmt.Printf("no %s sessions in the last %d days\n", st, days)
		return nil
	}

	metrics := st.Metrics()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := []string{"SESSION", "DATE", "COUNT"}
	for _, m := range metrics {
		header = append(header, "AVG "+strings.ToUpper(m.Key))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, p := range points {
		row := []string{strconv.FormatInt(p.SessionID, 10), p.Date.Local().Format(time.RFC3339), strconv.Itoa(p.Count)}
		for _, m := range metrics {
			row = append(row, fmt.Sprintf("%.1f", p.Averages[m.Key]))
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func runCompare(ctx context.Context, name, rawOld, rawNew string, jsonOutput bool) error {
	st, err := source.ParseSourceType(name)
	if err != nil {
		return err
	}
	oldID, err := strconv.ParseInt(rawOld, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", rawOld)
	}
	newID, err := strconv.ParseInt(rawNew, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", rawNew)
	}
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	cmp, err := trend.NewEngine(db).Compare(ctx, st, oldID, newID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmp)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tSESSION 1\tSESSION 2\tCHANGE\tCHANGE %")
	fmt.Fprintf(w, "count\t%d\t%d\t%+d\t%+.1f%%\n",
		cmp.Session1Count, cmp.Session2Count, cmp.CountChange, cmp.CountChangePercent)
	for _, m := range st.Metrics() {
		mc := cmp.Metrics[m.Key]
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%+.1f\t%+.1f%%\n",
			m.Key, mc.Session1Mean, mc.Session2Mean, mc.Change, mc.ChangePercent)
	}
	return w.Flush()
}

func runAnalyze(ctx context.Context, name, rawID string, jsonOutput bool) error {
	st, err := source.ParseSourceType(name)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid session id %q", rawID)
	}
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := trend.NewEngine(db).Analyze(ctx, st, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(a)
	}

	fmt.Printf("%s session %d: %d items\n\n", a.Source, a.SessionID, a.TotalCount)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tMEAN\tMEDIAN\tSTD\tMIN\tMAX")
	for _, m := range st.Metrics() {
		s := a.Metrics[m.Key]
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%.0f\t%.0f\n", m.Key, s.Mean, s.Median, s.Std, s.Min, s.Max)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	names := make([]string, 0, len(a.Distributions))
	for k := range a.Distributions {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("\n%s:\n", k)
		printCounts(a.Distributions[k], 10)
	}

	if len(a.TopTopics) > 0 {
		fmt.Println("\ntop topics:")
		printTerms(a.TopTopics)
	}
	if len(a.TopKeywords) > 0 {
		fmt.Println("\ntop keywords:")
		printTerms(a.TopKeywords)
	}
	return nil
}

func runStats(ctx context.Context, jsonOutput bool) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.GetStatistics(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSESSIONS\tLAST COLLECTED")
	for _, st := range source.AllSourceTypes() {
		last := "-"
		if t, ok := stats.LastCollected[st]; ok {
			last = t.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", st, stats.SessionsBySource[st], last)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nreddit posts: %d, github repos: %d, hackernews stories: %d\n",
		stats.TotalRedditPosts, stats.TotalGitHubRepos, stats.TotalHackerNewsStories)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(counts map[string]int, n int) {
	terms := make([]trend.TermCount, 0, len(counts))
	for k, c := range counts {
		terms = append(terms, trend.TermCount{Term: k, Count: c})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	printTerms(terms)
}

func printTerms(terms []trend.TermCount) {
	for _, t := range terms {
		fmt.Printf("  %-24s %d\n", t.Term, t.Count)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
