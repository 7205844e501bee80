// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the cobra commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/api"
	"github.com/JakeFAU/beatmap-mirror/internal/blob/gcs"
	"github.com/JakeFAU/beatmap-mirror/internal/blob/local"
	"github.com/JakeFAU/beatmap-mirror/internal/config"
	"github.com/JakeFAU/beatmap-mirror/internal/crawler"
	"github.com/JakeFAU/beatmap-mirror/internal/export"
	"github.com/JakeFAU/beatmap-mirror/internal/metrics"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	pubmemory "github.com/JakeFAU/beatmap-mirror/internal/publisher/memory"
	"github.com/JakeFAU/beatmap-mirror/internal/publisher/pubsub"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
	"github.com/JakeFAU/beatmap-mirror/internal/resolver"
	"github.com/JakeFAU/beatmap-mirror/internal/search"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
	"github.com/JakeFAU/beatmap-mirror/internal/store/elastic"
	"github.com/JakeFAU/beatmap-mirror/internal/store/memory"
	"github.com/JakeFAU/beatmap-mirror/internal/store/postgres"
	"github.com/JakeFAU/beatmap-mirror/internal/updater"
	"github.com/JakeFAU/beatmap-mirror/internal/upstream"
)

const (
	retryBaseDelay  = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

// App holds the shared services built once at startup from config.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     mirror.Clock
	backend   store.Backend
	maps      *repository.Repository[mirror.Map]
	mapSets   *repository.Repository[mirror.MapSet]
	upstream  mirror.Upstream
	publisher mirror.Publisher
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// Option overrides a service that New would otherwise build from config.
type Option func(*App)

// WithBackend uses b instead of the configured store backend.
func WithBackend(b store.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithUpstream uses u instead of the osu! API client.
func WithUpstream(u mirror.Upstream) Option {
	return func(a *App) { a.upstream = u }
}

// WithPublisher uses p instead of the configured publisher.
func WithPublisher(p mirror.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithClock uses c instead of the wall clock.
func WithClock(c mirror.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New builds every service the commands share and ensures both indexes exist.
// It fails fast when any of them cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: mirror.SystemClock{}}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initBackend(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.maps = repository.New[mirror.Map](a.backend, cfg.Store.MapsIndex, logger)
	a.mapSets = repository.New[mirror.MapSet](a.backend, cfg.Store.MapSetsIndex, logger)
	if err := a.maps.EnsureIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.mapSets.EnsureIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initUpstream(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)
	return a, nil
}

func (a *App) initBackend(ctx context.Context) error {
	if a.backend != nil {
		return nil
	}
	var (
		b   store.Backend
		err error
	)
	switch a.cfg.Store.Backend {
	case config.StoreMemory:
		a.logger.Warn("using in-memory store; data is lost on exit")
		b = memory.New()
	case config.StorePostgres:
		b, err = postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Store.Postgres.DSN,
			MaxConns: a.cfg.Store.Postgres.MaxConns,
			MinConns: a.cfg.Store.Postgres.MinConns,
		})
	case config.StoreElastic:
		b, err = elastic.New(elastic.Config{
			Addresses: a.cfg.Store.Elastic.Addresses,
			Username:  a.cfg.Store.Elastic.Username,
			Password:  a.cfg.Store.Elastic.Password,
			Insecure:  a.cfg.Store.Elastic.Insecure,
		})
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.backend = b
	a.closers = append(a.closers, closer{name: "store", fn: b.Close})
	return nil
}

func (a *App) initUpstream(ctx context.Context) error {
	if a.upstream != nil {
		return nil
	}
	timeout := a.cfg.UpstreamTimeout()
	client, err := upstream.New(ctx, upstream.Config{
		BaseURL:        a.cfg.Upstream.BaseURL,
		TokenURL:       a.cfg.Upstream.TokenURL,
		ClientID:       a.cfg.Upstream.ClientID,
		ClientSecret:   a.cfg.Upstream.ClientSecret,
		RateLimitRPS:   a.cfg.Upstream.RateLimitRPS,
		Burst:          a.cfg.Upstream.Burst,
		MaxRetries:     a.cfg.Upstream.MaxRetries,
		Timeout:        timeout,
		RetryBaseDelay: retryBaseDelay,
		RetryMaxDelay:  timeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init upstream: %w", err)
	}
	a.upstream = client
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	switch a.cfg.Publisher.Backend {
	case config.PublisherNoop:
		a.publisher = mirror.NopPublisher{}
	case config.PublisherMemory:
		a.publisher = pubmemory.New()
	case config.PublisherPubSub:
		p, err := pubsub.New(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, closer{name: "publisher", fn: p.Close})
	default:
		return fmt.Errorf("unknown publisher backend %q", a.cfg.Publisher.Backend)
	}
	return nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Backend returns the document store.
func (a *App) Backend() store.Backend { return a.backend }

// Maps returns the map repository.
func (a *App) Maps() *repository.Repository[mirror.Map] { return a.maps }

// MapSets returns the map-set repository.
func (a *App) MapSets() *repository.Repository[mirror.MapSet] { return a.mapSets }

// Publisher returns the change event publisher.
func (a *App) Publisher() mirror.Publisher { return a.publisher }

// Resolver builds the cache-aside lookup service.
func (a *App) Resolver() *resolver.Service {
	return resolver.NewService(a.upstream, a.maps, a.mapSets, resolver.Options{
		Clock:     a.clock,
		Publisher: a.publisher,
		Logger:    a.logger,
	})
}

// APIServer builds the HTTP API on top of the resolver and search services.
func (a *App) APIServer() *api.Server {
	res := a.Resolver()
	return api.NewServer(res.Maps, res.MapSets, search.New(a.mapSets), a.logger.Named("api"))
}

// Crawler builds the forward scan unit.
func (a *App) Crawler() *crawler.Crawler {
	return crawler.New(a.upstream, a.maps, a.mapSets, crawler.Config{
		BackoffStart: config.Seconds(a.cfg.Crawler.BackoffStart),
		MaxBackoff:   config.Seconds(a.cfg.Crawler.MaxBackoff),
		BatchSize:    a.cfg.Crawler.BatchSize,
	}, crawler.Options{
		Clock:     a.clock,
		Publisher: a.publisher,
		Logger:    a.logger,
	})
}

// Updater builds the staleness refresh unit.
func (a *App) Updater() *updater.Updater {
	return updater.New(a.upstream, a.maps, a.mapSets, updater.Config{
		BatchSize:    a.cfg.Updater.BatchSize,
		StaleAfter:   a.cfg.Updater.StaleAfter,
		BackoffStart: config.Seconds(a.cfg.Updater.BackoffStart),
		MaxBackoff:   config.Seconds(a.cfg.Updater.MaxBackoff),
	}, updater.Options{
		Clock:     a.clock,
		Publisher: a.publisher,
		Logger:    a.logger,
	})
}

// Exporter builds the index exporter and the configured blob store.
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	var blobs export.BlobStore
	switch a.cfg.Export.Backend {
	case config.ExportLocal:
		s, err := local.New(local.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		blobs = s
	case config.ExportGCS:
		s, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Export.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.closers = append(a.closers, closer{name: "blob store", fn: s.Close})
		blobs = s
	default:
		return nil, fmt.Errorf("unknown export backend %q", a.cfg.Export.Backend)
	}
	return export.New(a.backend, blobs, export.Config{
		Prefix:   a.cfg.Export.Prefix,
		PageSize: a.cfg.Export.PageSize,
	}, a.clock, a.logger), nil
}

// Indexes lists the store indexes in export order.
func (a *App) Indexes() []string {
	return []string{a.cfg.Store.MapSetsIndex, a.cfg.Store.MapsIndex}
}

// Close releases services in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// Serve runs srv until ctx is done, then shuts it down gracefully. A listener
// failure is returned.
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated", zap.String("addr", srv.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// MetricsServer exposes /metrics on the configured metrics port.
func (a *App) MetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
