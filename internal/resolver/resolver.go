// Package resolver serves catalog lookups from the store and falls back to
// the upstream API on a miss, persisting what it finds.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/bulk"
	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
)

// Resolver is a cache-aside reader for one kind. It is safe for concurrent use.
type Resolver[T mirror.Item] struct {
	kind      mirror.Kind
	repo      *repository.Repository[T]
	fetch     bulk.FetchFunc[T]
	clock     mirror.Clock
	publisher mirror.Publisher
	logger    *zap.Logger
}

// Options holds the collaborators shared by both kinds.
type Options struct {
	Clock     mirror.Clock
	Publisher mirror.Publisher
	Logger    *zap.Logger
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
	return o
}

// New builds a resolver for kind reading through repo and fetching with fetch.
func New[T mirror.Item](kind mirror.Kind, repo *repository.Repository[T], fetch bulk.FetchFunc[T], opts Options) *Resolver[T] {
	opts = opts.withDefaults()
	return &Resolver[T]{
		kind:      kind,
		repo:      repo,
		fetch:     fetch,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		logger:    opts.Logger.Named("resolver").With(zap.String("kind", string(kind))),
	}
}

// Fetch returns the stored entity for id, fetching and storing it first if
// the store has none. A stored entity is returned as is, however old. found
// is false when the upstream does not know the id; nothing is stored then.
func (r *Resolver[T]) Fetch(ctx context.Context, id uint32) (mirror.Entity[T], bool, error) {
	entity, ok, err := r.repo.FindByUpstreamID(ctx, id)
	if err != nil {
		metrics.ObserveLookup(string(r.kind), "error")
		return mirror.Entity[T]{}, false, fmt.Errorf("look up %s %d: %w", r.kind, id, err)
	}
	if ok {
		metrics.ObserveLookup(string(r.kind), "hit")
		return entity, true, nil
	}

	item, found, err := r.fetch(ctx, id)
	if err != nil {
		metrics.ObserveLookup(string(r.kind), "error")
		return mirror.Entity[T]{}, false, fmt.Errorf("fetch %s %d: %w", r.kind, id, err)
	}
	if !found {
		metrics.ObserveLookup(string(r.kind), "not_found")
		return mirror.Entity[T]{}, false, nil
	}

	stored, created, err := r.repo.CreateOrGet(ctx, mirror.NewEntity(item, r.clock.Now(), false))
	if err != nil {
		metrics.ObserveLookup(string(r.kind), "error")
		return mirror.Entity[T]{}, false, fmt.Errorf("store %s %d: %w", r.kind, id, err)
	}
	metrics.ObserveLookup(string(r.kind), "fetched")
	if created {
		r.announce(ctx, stored)
	} else {
		r.logger.Debug("lost create race, serving stored entity", zap.Uint32("id", id))
	}
	return stored, true, nil
}

func (r *Resolver[T]) announce(ctx context.Context, entity mirror.Entity[T]) {
	event := mirror.Event{Kind: r.kind, ID: entity.ID(), Type: mirror.EventCreated, At: entity.CreatedAt}
	if _, err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("publish created event failed", zap.Uint32("id", entity.ID()), zap.Error(err))
	}
}

// Service resolves both kinds.
type Service struct {
	Maps    *Resolver[mirror.Map]
	MapSets *Resolver[mirror.MapSet]
}

// NewService wires one resolver per kind against the same upstream.
func NewService(
	upstream mirror.Upstream,
	maps *repository.Repository[mirror.Map],
	mapSets *repository.Repository[mirror.MapSet],
	opts Options,
) *Service {
	return &Service{
		Maps:    New(mirror.KindMap, maps, upstream.Map, opts),
		MapSets: New(mirror.KindMapSet, mapSets, upstream.MapSet, opts),
	}
}
