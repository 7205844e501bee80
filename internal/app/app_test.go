package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/beatmap-mirror/internal/app"
	"github.com/JakeFAU/beatmap-mirror/internal/config"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror/mirrortest"
	pubmemory "github.com/JakeFAU/beatmap-mirror/internal/publisher/memory"
	"github.com/JakeFAU/beatmap-mirror/internal/store/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Metrics: config.MetricsConfig{Port: 9090},
		Store: config.StoreConfig{
			Backend:      config.StoreMemory,
			MapsIndex:    "beatmaps",
			MapSetsIndex: "beatmapsets",
		},
		Upstream: config.UpstreamConfig{
			ClientID:       "1",
			ClientSecret:   "secret",
			TimeoutSeconds: 5,
		},
		Crawler:   config.CrawlerConfig{BackoffStart: 2, MaxBackoff: 300, BatchSize: 50},
		Updater:   config.UpdaterConfig{BatchSize: 100, StaleAfter: 24 * time.Hour, BackoffStart: 2, MaxBackoff: 300},
		Publisher: config.PublisherConfig{Backend: config.PublisherMemory},
		Export:    config.ExportConfig{Backend: config.ExportLocal, BaseDir: t.TempDir(), PageSize: 10},
	}
}

func TestNew_BuildsFromConfig(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Backend{}, a.Backend())
	assert.IsType(t, &pubmemory.Publisher{}, a.Publisher())
	assert.Equal(t, "beatmaps", a.Maps().Index())
	assert.Equal(t, "beatmapsets", a.MapSets().Index())
	assert.Equal(t, []string{"beatmapsets", "beatmaps"}, a.Indexes())
	assert.NotNil(t, a.Crawler())
	assert.NotNil(t, a.Updater())
	assert.Equal(t, ":9090", a.MetricsServer().Addr)
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Backend = "cassandra"
	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown store backend")

	cfg = testConfig(t)
	cfg.Publisher.Backend = "kafka"
	_, err = app.New(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "unknown publisher backend")
}

func TestAPIServer_ResolvesThroughInjectedUpstream(t *testing.T) {
	t.Parallel()

	up := mirrortest.NewUpstream()
	up.PutMapSet(mirror.MapSet{ID: 1, Title: "Cycle Hit", Status: mirror.StatusRanked})
	events := pubmemory.New()
	a, err := app.New(context.Background(), testConfig(t), nil,
		app.WithUpstream(up),
		app.WithPublisher(events),
		app.WithBackend(memory.New()),
		app.WithClock(mirrortest.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))),
	)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/beatmapsets/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Cycle Hit")

	stored, ok, err := a.MapSets().Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, stored.Crawled)
	require.Len(t, events.Events(), 1)
}

func TestExporter_WritesLocalFiles(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, nil, app.WithUpstream(mirrortest.NewUpstream()))
	require.NoError(t, err)
	defer a.Close()

	now := time.Now().UTC()
	require.NoError(t, a.Maps().Create(context.Background(), mirror.NewEntity(mirror.Map{ID: 3}, now, true)))

	exp, err := a.Exporter(context.Background())
	require.NoError(t, err)
	results, err := exp.ExportAll(context.Background(), a.Indexes()...)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Zero(t, results[0].Documents)
	assert.Equal(t, 1, results[1].Documents)
	assert.Contains(t, results[1].URI, "file://"+cfg.Export.BaseDir)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, srv, zap.NewNop()) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
