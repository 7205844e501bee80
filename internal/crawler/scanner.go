package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/bulk"
	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
)

// maxAttempts bounds how often an id that failed transiently is re-fetched.
const maxAttempts = 3

// SleepFunc suspends the loop for d, returning early with ctx's error.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Scanner is the forward crawl loop for one kind.
type Scanner[T mirror.Item] struct {
	kind      mirror.Kind
	repo      *repository.Repository[T]
	fetch     bulk.FetchFunc[T]
	batch     uint32
	backoff   *Backoff
	clock     mirror.Clock
	publisher mirror.Publisher
	sleep     SleepFunc
	logger    *zap.Logger

	cursor  uint32
	retries map[uint32]int
}

// NewScanner builds a loop scanning batch consecutive ids per step.
func NewScanner[T mirror.Item](
	kind mirror.Kind,
	repo *repository.Repository[T],
	fetch bulk.FetchFunc[T],
	batch int,
	cfg Config,
	opts Options,
) *Scanner[T] {
	opts = opts.withDefaults()
	if batch < 1 {
		batch = 1
	}
	return &Scanner[T]{
		kind:      kind,
		repo:      repo,
		fetch:     fetch,
		batch:     uint32(batch),
		backoff:   NewBackoff(cfg.BackoffStart, cfg.MaxBackoff),
		clock:     opts.Clock,
		publisher: opts.Publisher,
		sleep:     opts.Sleep,
		logger:    opts.Logger.Named("crawler").With(zap.String("kind", string(kind))),
		retries:   make(map[uint32]int),
	}
}

// Cursor returns the next id the scanner will visit.
func (s *Scanner[T]) Cursor() uint32 {
	return s.cursor
}

// Recover ensures the index exists and seeds the cursor one past the highest
// crawler-discovered id. Entities created by on-demand lookups are ignored so
// they cannot push the cursor past unvisited ids.
func (s *Scanner[T]) Recover(ctx context.Context) error {
	if err := s.repo.EnsureIndex(ctx); err != nil {
		return err
	}
	maxID, ok, err := s.repo.MaxID(ctx, store.Term(mirror.FieldCrawled, true))
	if err != nil {
		return fmt.Errorf("recover %s cursor: %w", s.kind, err)
	}
	s.cursor = 1
	if ok {
		s.cursor = maxID + 1
	}
	metrics.SetCrawlerCursor(string(s.kind), s.cursor)
	s.logger.Info("recovered cursor", zap.Uint32("cursor", s.cursor))
	return nil
}

// Scan fetches the next window of ids plus any carried-over failures, then
// advances the cursor past the window whatever the outcome. It returns how
// many items were stored. Fetch failures are not returned; only a
// persistence failure is.
func (s *Scanner[T]) Scan(ctx context.Context) (int, error) {
	ids := s.window()
	outcomes := bulk.FetchOutcomes(ctx, ids, s.fetch, int(s.batch))
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.cursor += s.batch
	metrics.SetCrawlerCursor(string(s.kind), s.cursor)

	for _, o := range outcomes {
		if o.Err == nil {
			delete(s.retries, o.ID)
			continue
		}
		s.retries[o.ID]++
		if s.retries[o.ID] >= maxAttempts {
			s.logger.Warn("giving up on id", zap.Uint32("id", o.ID), zap.Int("attempts", s.retries[o.ID]), zap.Error(o.Err))
			delete(s.retries, o.ID)
			continue
		}
		s.logger.Debug("fetch failed, will retry", zap.Uint32("id", o.ID), zap.Error(o.Err))
	}

	items := bulk.Found(outcomes)
	if len(items) == 0 {
		return 0, nil
	}
	if err := s.persist(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Run recovers the cursor and scans until ctx is done or persisting fails.
func (s *Scanner[T]) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for ctx.Err() == nil {
		found, err := s.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if found > 0 {
			s.backoff.Reset()
			continue
		}
		delay := s.backoff.Next()
		metrics.SetBackoff("crawler", string(s.kind), delay)
		s.logger.Debug("nothing found, backing off", zap.Uint32("cursor", s.cursor), zap.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Scanner[T]) window() []uint32 {
	ids := make([]uint32, 0, len(s.retries)+int(s.batch))
	for id := range s.retries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for i := uint32(0); i < s.batch; i++ {
		ids = append(ids, s.cursor+i)
	}
	return ids
}

func (s *Scanner[T]) persist(ctx context.Context, items []T) error {
	now := s.clock.Now()
	entities := make([]mirror.Entity[T], len(items))
	for i, item := range items {
		entities[i] = mirror.NewEntity(item, now, true)
	}

	var conflicts []mirror.Entity[T]
	if len(entities) == 1 {
		err := s.repo.Create(ctx, entities[0])
		switch {
		case errors.Is(err, mirror.ErrConflict):
			conflicts = entities
		case err != nil:
			return fmt.Errorf("persist %s %d: %w", s.kind, entities[0].ID(), err)
		}
	} else {
		var err error
		conflicts, err = s.repo.BulkCreate(ctx, entities)
		if err != nil {
			return fmt.Errorf("persist %s batch: %w", s.kind, err)
		}
	}

	claimed := make(map[uint32]bool, len(conflicts))
	for _, e := range conflicts {
		if err := s.claim(ctx, e, now); err != nil {
			return err
		}
		claimed[e.ID()] = true
	}
	for _, e := range entities {
		if !claimed[e.ID()] {
			s.announce(ctx, e)
		}
	}
	metrics.ObserveCrawled(string(s.kind), len(entities))
	s.logger.Info("stored items",
		zap.Int("created", len(entities)-len(conflicts)),
		zap.Int("claimed", len(conflicts)),
		zap.Uint32("cursor", s.cursor),
	)
	return nil
}

// claim takes over a document an on-demand lookup created first: it keeps
// created_at, refreshes the data and marks it crawled.
func (s *Scanner[T]) claim(ctx context.Context, fresh mirror.Entity[T], now time.Time) error {
	existing, ok, err := s.repo.Get(ctx, fresh.ID())
	if err != nil {
		return fmt.Errorf("claim %s %d: %w", s.kind, fresh.ID(), err)
	}
	if !ok {
		return fmt.Errorf("claim %s %d: %w", s.kind, fresh.ID(), mirror.ErrDocumentMissing)
	}
	claimed, changed := existing.Refresh(fresh.Data, now)
	claimed.Crawled = true
	if err := s.repo.Update(ctx, claimed); err != nil {
		return fmt.Errorf("claim %s %d: %w", s.kind, fresh.ID(), err)
	}
	if changed {
		s.publish(ctx, mirror.Event{Kind: s.kind, ID: fresh.ID(), Type: mirror.EventUpdated, At: now})
	}
	return nil
}

func (s *Scanner[T]) announce(ctx context.Context, e mirror.Entity[T]) {
	s.publish(ctx, mirror.Event{Kind: s.kind, ID: e.ID(), Type: mirror.EventCreated, At: e.CreatedAt})
}

func (s *Scanner[T]) publish(ctx context.Context, event mirror.Event) {
	if _, err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", zap.Uint32("id", event.ID), zap.Error(err))
	}
}
