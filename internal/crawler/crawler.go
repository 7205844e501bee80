package crawler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
)

// Config holds the crawl pacing settings.
type Config struct {
	BackoffStart time.Duration
	MaxBackoff   time.Duration
	// BatchSize is the width of one map scan and the bound on concurrent
	// fetches, carried retries included.
	BatchSize int
}

// Options carries the collaborators shared by both loops.
type Options struct {
	Clock     mirror.Clock
	Publisher mirror.Publisher
	Logger    *zap.Logger
	// Sleep replaces the backoff wait; tests use it to avoid real delays.
	Sleep SleepFunc
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
		o.Sleep = Sleep
	}
	return o
}

// Crawler runs the map and map-set loops together.
type Crawler struct {
	Maps    *Scanner[mirror.Map]
	MapSets *Scanner[mirror.MapSet]
	logger  *zap.Logger
}

// New wires both loops. Map-sets are scanned one id at a time, maps in
// batches of cfg.BatchSize consecutive ids.
func New(
	upstream mirror.Upstream,
	maps *repository.Repository[mirror.Map],
	mapSets *repository.Repository[mirror.MapSet],
	cfg Config,
	opts Options,
) *Crawler {
	opts = opts.withDefaults()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &Crawler{
		Maps:    NewScanner(mirror.KindMap, maps, upstream.Map, cfg.BatchSize, cfg, opts),
		MapSets: NewScanner(mirror.KindMapSet, mapSets, upstream.MapSet, 1, cfg, opts),
		logger:  opts.Logger.Named("crawler"),
	}
}

// Run blocks until ctx is done or either loop fails. The first failure stops
// the other loop and is returned.
func (c *Crawler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Maps.Run(gctx) })
	g.Go(func() error { return c.MapSets.Run(gctx) })
	if err := g.Wait(); err != nil {
		c.logger.Error("crawler stopped", zap.Error(err))
		return err
	}
	return nil
}
