package trend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/goccy/go-json"
)

// ErrSessionDataMissing is returned when a session needed for a derivation has no items.
var ErrSessionDataMissing = errors.New("session data missing")

// Engine derives trend series, comparisons and per-session analyses from the store.
type Engine struct {
	store store.Store
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used to anchor trend windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new trend engine.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TrendPoint aggregates one session within a trend window.
type TrendPoint struct {
	Date      time.Time
	SessionID int64
	Count     int
	// Averages maps metric key (score, comments, stars, forks) to its mean.
	Averages map[string]float64
}

// MarshalJSON flattens the averages into avg_<metric> fields.
func (p TrendPoint) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"date":       p.Date,
		"session_id": p.SessionID,
		"count":      p.Count,
	}
	for k, v := range p.Averages {
		m["avg_"+k] = v
	}
	return json.Marshal(m)
}

// Trend returns one point per non-empty session collected in the trailing window
// [now-days, now], oldest first. Sessions without items produce no point, so a gap
// in the series means "no data" rather than zero.
func (e *Engine) Trend(ctx context.Context, src source.SourceType, days int) ([]TrendPoint, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive, got %d", store.ErrInvalidArgument, days)
	}

	now := e.now().UTC()
	from := now.Add(-time.Duration(days) * 24 * time.Hour)

	sessions, err := e.store.ListSessions(ctx, src, from, now)
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", src, err)
	}

	metrics := src.Metrics()
	points := []TrendPoint{}
	for _, sess := range sessions {
		items, err := e.store.GetSessionItems(ctx, sess.ID, src)
		if err != nil {
			return nil, fmt.Errorf("load session %d: %w", sess.ID, err)
		}
		if len(items) == 0 {
			continue
		}

		avgs := means(items, len(metrics))
		point := TrendPoint{
			Date:      sess.CollectedAt,
			SessionID: sess.ID,
			Count:     len(items),
			Averages:  make(map[string]float64, len(metrics)),
		}
		for i, m := range metrics {
			point.Averages[m.Key] = avgs[i]
		}
		points = append(points, point)
	}

	return points, nil
}

// MetricChange compares the mean of one metric between two sessions.
type MetricChange struct {
	Session1Mean  float64 `json:"session1_mean"`
	Session2Mean  float64 `json:"session2_mean"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
}

// Comparison is the pairwise diff between an older and a newer session.
type Comparison struct {
	Source             source.SourceType
	Session1ID         int64
	Session2ID         int64
	Session1Count      int
	Session2Count      int
	CountChange        int
	CountChangePercent float64
	// Metrics is keyed by metric key (score, comments, stars, forks).
	Metrics map[string]MetricChange
}

// MarshalJSON emits each metric as a top-level object next to the counts.
func (c Comparison) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"source":               c.Source,
		"session1_id":          c.Session1ID,
		"session2_id":          c.Session2ID,
		"session1_count":       c.Session1Count,
		"session2_count":       c.Session2Count,
		"count_change":         c.CountChange,
		"count_change_percent": c.CountChangePercent,
	}
	for k, v := range c.Metrics {
		m[k] = v
	}
	return json.Marshal(m)
}

// Compare diffs session oldID against newID. The caller passes them in
// chronological order; the sign of every change follows that order.
func (e *Engine) Compare(ctx context.Context, src source.SourceType, oldID, newID int64) (*Comparison, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	oldItems, err := e.store.GetSessionItems(ctx, oldID, src)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", oldID, err)
	}
	newItems, err := e.store.GetSessionItems(ctx, newID, src)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", newID, err)
	}
	if len(oldItems) == 0 || len(newItems) == 0 {
		return nil, fmt.Errorf("%w: compare %s sessions %d and %d", ErrSessionDataMissing, src, oldID, newID)
	}

	cmp := &Comparison{
		Source:             src,
		Session1ID:         oldID,
		Session2ID:         newID,
		Session1Count:      len(oldItems),
		Session2Count:      len(newItems),
		CountChange:        len(newItems) - len(oldItems),
		CountChangePercent: percentChange(float64(len(oldItems)), float64(len(newItems))),
		Metrics:            make(map[string]MetricChange),
	}

	metrics := src.Metrics()
	oldMeans := means(oldItems, len(metrics))
	newMeans := means(newItems, len(metrics))
	for i, m := range metrics {
		cmp.Metrics[m.Key] = MetricChange{
			Session1Mean:  oldMeans[i],
			Session2Mean:  newMeans[i],
			Change:        newMeans[i] - oldMeans[i],
			ChangePercent: percentChange(oldMeans[i], newMeans[i]),
		}
	}

	return cmp, nil
}

// percentChange is 0 for a zero baseline instead of dividing by zero.
func percentChange(old, cur float64) float64 {
	if old == 0 {
		return 0
	}
	return (cur - old) / old * 100
}

// means averages each metric column over items. items must be non-empty.
func means(items []source.Record, n int) []float64 {
	sums := make([]float64, n)
	for _, item := range items {
		for i, v := range item.MetricValues() {
			if i < n {
				sums[i] += v
			}
		}
	}
	for i := range sums {
		sums[i] /= float64(len(items))
	}
	return sums
}
