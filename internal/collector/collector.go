// Package collector turns one fetcher run into one stored session.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/alert"
	"github.com/elonfeng/apipulse/pkg/source"
)

// Result describes one collection run.
type Result struct {
	Source    source.SourceType `json:"source"`
	RunID     string            `json:"run_id"`
	SessionID int64             `json:"session_id,omitempty"`
	Items     int               `json:"items"`
	Duration  time.Duration     `json:"duration_ns"`
	Err       error             `json:"-"`
}

// Collector runs registered fetchers and stores their output.
type Collector struct {
	store    store.Store
	sources  map[source.SourceType]source.Source
	alerts   *alert.Manager
	announce bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithAlerts broadcasts a notification after every stored session.
func WithAlerts(m *alert.Manager) Option {
	return func(c *Collector) {
		c.alerts = m
		c.announce = m.HasNotifiers()
	}
}

// New creates a collector over the given fetchers, keyed by their source.
func New(s store.Store, sources []source.Source, opts ...Option) *Collector {
	c := &Collector{
		store:   s,
		sources: make(map[source.SourceType]source.Source, len(sources)),
	}
	for _, src := range sources {
		c.sources[src.Name()] = src
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sources returns the registered source types in canonical order.
func (c *Collector) Sources() []source.SourceType {
	var out []source.SourceType
	for _, st := range source.AllSourceTypes() {
		if _, ok := c.sources[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Collect fetches one source and persists the batch as a new session.
// An empty fetch is reported as store.ErrEmptyBatch and writes nothing.
func (c *Collector) Collect(ctx context.Context, st source.SourceType) (Result, error) {
	res := Result{Source: st, RunID: uuid.NewString()}
	if err := st.Validate(); err != nil {
		return res, err
	}
	src, ok := c.sources[st]
	if !ok {
		return res, fmt.Errorf("%w: %s fetcher not configured", store.ErrInvalidArgument, st)
	}

	start := time.Now()
	items, err := src.Collect(ctx)
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", st, err)
	}

	metadata := map[string]any{
		"run_id":      res.RunID,
		"fetched":     len(items),
		"duration_ms": res.Duration.Milliseconds(),
	}
	id, err := c.store.CreateSession(ctx, st, items, metadata)
	if err != nil {
		return res, err
	}
	res.SessionID = id
	res.Items = len(items)

	log.Info().
		Str("source", string(st)).
		Str("run_id", res.RunID).
		Int64("session_id", id).
		Int("items", res.Items).
		Dur("took", res.Duration).
		Msg("session stored")

	if c.announce {
		if err := c.alerts.Broadcast(ctx, alert.SessionCollected(st, id, res.Items)); err != nil {
			log.Warn().Err(err).Str("source", string(st)).Msg("session notification failed")
		}
	}

	return res, nil
}

// CollectAll runs every requested source concurrently. A failing source
// does not cancel the others; its error is carried in its Result.
func (c *Collector) CollectAll(ctx context.Context, sources []source.SourceType) []Result {
	if len(sources) == 0 {
		sources = c.Sources()
	}

	results := make([]Result, len(sources))
	var g errgroup.Group
	for i, st := range sources {
		i, st := i, st
		g.Go(func() error {
			res, err := c.Collect(ctx, st)
			res.Err = err
			if err != nil {
				log.Error().Err(err).Str("source", string(st)).Msg("collection failed")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}
