// Package updater re-validates stored entities whose status may still change
// and whose last check is older than the staleness threshold.
package updater

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/beatmap-mirror/internal/bulk"
	"github.com/JakeFAU/beatmap-mirror/internal/crawler"
	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// Config controls batch size, staleness and idle pacing.
type Config struct {
	BatchSize    int
	StaleAfter   time.Duration
	BackoffStart time.Duration
	MaxBackoff   time.Duration
}

// Options carries the collaborators shared by both loops.
type Options struct {
	Clock     mirror.Clock
	Publisher mirror.Publisher
	Logger    *zap.Logger
	Sleep     crawler.SleepFunc
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = mirror.SystemClock{}
	}
	if o.Publisher == nil {
		o.Publisher = mirror.NopPublisher{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = crawler.Sleep
	}
	return o
}

// Refresher is the staleness loop for one kind.
type Refresher[T mirror.Item] struct {
	kind      mirror.Kind
	repo      *repository.Repository[T]
	fetch     bulk.FetchFunc[T]
	cfg       Config
	backoff   *crawler.Backoff
	clock     mirror.Clock
	publisher mirror.Publisher
	sleep     crawler.SleepFunc
	logger    *zap.Logger
}

// NewRefresher builds the loop for kind.
func NewRefresher[T mirror.Item](
	kind mirror.Kind,
	repo *repository.Repository[T],
	fetch bulk.FetchFunc[T],
	cfg Config,
	opts Options,
) *Refresher[T] {
	opts = opts.withDefaults()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	return &Refresher[T]{
		kind:      kind,
		repo:      repo,
		fetch:     fetch,
		cfg:       cfg,
		backoff:   crawler.NewBackoff(cfg.BackoffStart, cfg.MaxBackoff),
		clock:     opts.Clock,
		publisher: opts.Publisher,
		sleep:     opts.Sleep,
		logger:    opts.Logger.Named("updater").With(zap.String("kind", string(kind))),
	}
}

// StaleQuery selects non-final entities last checked at or before now minus
// the staleness threshold.
func (r *Refresher[T]) StaleQuery(now time.Time) store.Query {
	statuses := mirror.NonFinalStatuses()
	values := make([]any, len(statuses))
	for i, st := range statuses {
		values[i] = st
	}
	return store.Query{
		Filters: []store.Filter{
			store.Terms(mirror.FieldStatus, values...),
			store.Lte(mirror.FieldLastChecked, now.Add(-r.cfg.StaleAfter)),
		},
		Size: r.cfg.BatchSize,
	}
}

// Cycle refreshes one batch of stale entities and returns how many were
// refreshed. Ids the upstream no longer knows are left untouched. Any error
// aborts the cycle.
func (r *Refresher[T]) Cycle(ctx context.Context) (int, error) {
	stale, err := r.repo.Find(ctx, r.StaleQuery(r.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("query stale %s: %w", r.kind, err)
	}
	refreshed := 0
	for _, entity := range stale {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		item, found, err := r.fetch(ctx, entity.ID())
		if err != nil {
			return refreshed, fmt.Errorf("refresh %s %d: %w", r.kind, entity.ID(), err)
		}
		if !found {
			r.logger.Debug("gone upstream, leaving as is", zap.Uint32("id", entity.ID()))
			continue
		}
		now := r.clock.Now()
		updated, changed := entity.Refresh(item, now)
		if err := r.repo.Update(ctx, updated); err != nil {
			return refreshed, fmt.Errorf("persist %s %d: %w", r.kind, entity.ID(), err)
		}
		metrics.ObserveRefreshed(string(r.kind), changed)
		if changed {
			event := mirror.Event{Kind: r.kind, ID: entity.ID(), Type: mirror.EventUpdated, At: now}
			if _, err := r.publisher.Publish(ctx, event); err != nil {
				r.logger.Warn("publish updated event failed", zap.Uint32("id", entity.ID()), zap.Error(err))
			}
		}
		refreshed++
	}
	if refreshed > 0 {
		r.logger.Info("refreshed stale entities", zap.Int("selected", len(stale)), zap.Int("refreshed", refreshed))
	}
	return refreshed, nil
}

// Run cycles until ctx is done or a cycle fails. A cycle that refreshed
// nothing is followed by a backoff sleep.
func (r *Refresher[T]) Run(ctx context.Context) error {
	if err := r.repo.EnsureIndex(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for ctx.Err() == nil {
		n, err := r.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			r.backoff.Reset()
			continue
		}
		delay := r.backoff.Next()
		metrics.SetBackoff("updater", string(r.kind), delay)
		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
	}
	return nil
}

// Updater runs the map and map-set loops together.
type Updater struct {
	Maps    *Refresher[mirror.Map]
	MapSets *Refresher[mirror.MapSet]
	logger  *zap.Logger
}

// New wires both loops against the same upstream.
func New(
	upstream mirror.Upstream,
	maps *repository.Repository[mirror.Map],
	mapSets *repository.Repository[mirror.MapSet],
	cfg Config,
	opts Options,
) *Updater {
	opts = opts.withDefaults()
	return &Updater{
		Maps:    NewRefresher(mirror.KindMap, maps, upstream.Map, cfg, opts),
		MapSets: NewRefresher(mirror.KindMapSet, mapSets, upstream.MapSet, cfg, opts),
		logger:  opts.Logger.Named("updater"),
	}
}

// Run blocks until ctx is done or either loop fails; a failure stops both.
func (u *Updater) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.Maps.Run(gctx) })
	g.Go(func() error { return u.MapSets.Run(gctx) })
	if err := g.Wait(); err != nil {
		u.logger.Error("updater stopped", zap.Error(err))
		return err
	}
	return nil
}
