package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
	"github.com/JakeFAU/beatmap-mirror/internal/mirror/mirrortest"
	pubmemory "github.com/JakeFAU/beatmap-mirror/internal/publisher/memory"
	"github.com/JakeFAU/beatmap-mirror/internal/repository"
	"github.com/JakeFAU/beatmap-mirror/internal/store"
	"github.com/JakeFAU/beatmap-mirror/internal/store/memory"
)

var testConfig = Config{BackoffStart: 2 * time.Second, MaxBackoff: time.Minute, BatchSize: 50}

var errDiskFull = errors.New("disk full")

// failingBackend rejects every write.
type failingBackend struct {
	*memory.Backend
}

func (failingBackend) Create(context.Context, string, store.Document) error {
	return errDiskFull
}

func (failingBackend) BulkCreate(context.Context, string, []store.Document) ([]store.BulkResult, error) {
	return nil, errDiskFull
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
	// after, if set, runs once the slept delay is recorded.
	after func(n int)
	// block makes every sleep last until ctx is done.
	block bool
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	r.mu.Unlock()
	if r.after != nil {
		r.after(n)
	}
	if r.block {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type fixture struct {
	backend  store.Backend
	upstream *mirrortest.Upstream
	clock    *mirrortest.Clock
	events   *pubmemory.Publisher
	maps     *repository.Repository[mirror.Map]
	sets     *repository.Repository[mirror.MapSet]
	sleeper  *recordingSleep
	crawler  *Crawler
}

func newFixture(backend store.Backend) *fixture {
	f := &fixture{
		backend:  backend,
		upstream: mirrortest.NewUpstream(),
		clock:    mirrortest.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		events:   pubmemory.New(),
		sleeper:  &recordingSleep{},
	}
	f.maps = repository.New[mirror.Map](backend, "maps", nil)
	f.sets = repository.New[mirror.MapSet](backend, "mapsets", nil)
	f.crawler = New(f.upstream, f.maps, f.sets, testConfig, Options{
		Clock:     f.clock,
		Publisher: f.events,
		Sleep:     f.sleeper.sleep,
	})
	return f
}

func TestRecoverStartsAtOneOnEmptyStore(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	require.NoError(t, f.crawler.MapSets.Recover(ctx))
	require.NoError(t, f.crawler.Maps.Recover(ctx))
	require.Equal(t, uint32(1), f.crawler.MapSets.Cursor())
	require.Equal(t, uint32(1), f.crawler.Maps.Cursor())

	_, err := f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.upstream.Calls(mirror.KindMap, 1))
	require.Equal(t, 1, f.upstream.Calls(mirror.KindMap, 50))
	require.Zero(t, f.upstream.Calls(mirror.KindMap, 51))
	require.Equal(t, uint32(51), f.crawler.Maps.Cursor())

	_, err = f.crawler.MapSets.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.upstream.Calls(mirror.KindMapSet, 1))
	require.Equal(t, uint32(2), f.crawler.MapSets.Cursor())
}

func TestRecoverIgnoresReactiveEntities(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.sets.Create(ctx, mirror.NewEntity(mirror.MapSet{ID: 40}, now, true)))
	require.NoError(t, f.sets.Create(ctx, mirror.NewEntity(mirror.MapSet{ID: 9000}, now, false)))
	require.NoError(t, f.maps.Create(ctx, mirror.NewEntity(mirror.Map{ID: 120}, now, true)))
	require.NoError(t, f.maps.Create(ctx, mirror.NewEntity(mirror.Map{ID: 55555}, now, false)))

	require.NoError(t, f.crawler.MapSets.Recover(ctx))
	require.NoError(t, f.crawler.Maps.Recover(ctx))
	require.Equal(t, uint32(41), f.crawler.MapSets.Cursor())
	require.Equal(t, uint32(121), f.crawler.Maps.Cursor())
}

func TestCursorAdvancesWhetherOrNotItemsAreFound(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	f.upstream.PutMap(mirror.Map{ID: 60})
	require.NoError(t, f.crawler.Maps.Recover(ctx))
	start := f.crawler.Maps.Cursor()

	var found []int
	for range 4 {
		n, err := f.crawler.Maps.Scan(ctx)
		require.NoError(t, err)
		found = append(found, n)
	}
	require.Equal(t, []int{0, 1, 0, 0}, found)
	require.Equal(t, start+4*50, f.crawler.Maps.Cursor())
}

func TestScanStoresCrawledEntitiesAndAnnouncesThem(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	f.upstream.PutMap(mirror.Map{ID: 2, Version: "Easy"})
	f.upstream.PutMap(mirror.Map{ID: 3, Version: "Hard"})
	require.NoError(t, f.crawler.Maps.Recover(ctx))

	n, err := f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, ok, err := f.maps.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Crawled)
	require.Equal(t, f.clock.Now(), got.CreatedAt)
	require.Equal(t, f.clock.Now(), got.LastChecked)
	require.Len(t, f.events.Events(), 2)
}

func TestScanClaimsReactiveEntity(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	created := f.clock.Now()
	require.NoError(t, f.sets.Create(ctx, mirror.NewEntity(mirror.MapSet{ID: 1, Title: "Old"}, created, false)))
	f.upstream.PutMapSet(mirror.MapSet{ID: 1, Title: "New"})

	// Recover from crawled entities only, so the scan revisits id 1.
	require.NoError(t, f.crawler.MapSets.Recover(ctx))
	require.Equal(t, uint32(1), f.crawler.MapSets.Cursor())

	f.clock.Advance(time.Hour)
	n, err := f.crawler.MapSets.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _, err := f.sets.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, got.Crawled)
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, f.clock.Now(), got.UpdatedAt)
	require.Equal(t, f.clock.Now(), got.LastChecked)
	require.Equal(t, "New", got.Data.Title)

	events := f.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, mirror.EventUpdated, events[0].Type)
}

func TestScanCarriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	f.upstream.PutMap(mirror.Map{ID: 7})
	f.upstream.Fail(mirror.KindMap, 7, fmt.Errorf("%w: 503", mirror.ErrTransient))
	require.NoError(t, f.crawler.Maps.Recover(ctx))

	n, err := f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, uint32(51), f.crawler.Maps.Cursor())

	f.upstream.Fail(mirror.KindMap, 7, nil)
	n, err = f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, f.upstream.Calls(mirror.KindMap, 7))
	require.Equal(t, uint32(101), f.crawler.Maps.Cursor())
}

func TestScanDropsIDsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	f.upstream.Fail(mirror.KindMapSet, 1, fmt.Errorf("%w: 500", mirror.ErrTransient))
	require.NoError(t, f.crawler.MapSets.Recover(ctx))

	for range maxAttempts + 2 {
		_, err := f.crawler.MapSets.Scan(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, maxAttempts, f.upstream.Calls(mirror.KindMapSet, 1))
}

func TestScanBoundsConcurrencyIncludingCarriedIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx := context.Background()
	for id := uint32(1); id <= 10; id++ {
		f.upstream.Fail(mirror.KindMap, id, fmt.Errorf("%w: 503", mirror.ErrTransient))
	}
	require.NoError(t, f.crawler.Maps.Recover(ctx))
	_, err := f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	f.upstream.Hook = func(context.Context, mirror.Kind, uint32) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}
	_, err = f.crawler.Maps.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, f.upstream.Calls(mirror.KindMap, 10))
	require.Equal(t, 1, f.upstream.Calls(mirror.KindMap, 100))
	require.LessOrEqual(t, peak, testConfig.BatchSize)
}

func TestRunBacksOffOnEmptyScansAndResetsOnFind(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sleeper.after = func(n int) {
		if n == 3 {
			// The fourth scan (id 4) finds something.
			f.upstream.PutMapSet(mirror.MapSet{ID: 4})
		}
		if n == 5 {
			cancel()
		}
	}

	require.NoError(t, f.crawler.MapSets.Run(ctx))
	require.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		16 * time.Second,
		2 * time.Second,
		4 * time.Second,
	}, f.sleeper.recorded())
	_, ok, err := f.sets.Get(context.Background(), 4)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPersistenceFailureStopsTheUnit(t *testing.T) {
	t.Parallel()

	f := newFixture(failingBackend{Backend: memory.New()})
	f.sleeper.block = true
	f.upstream.PutMapSet(mirror.MapSet{ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.crawler.Run(ctx)
	require.ErrorIs(t, err, errDiskFull)
	require.NoError(t, ctx.Err(), "unit should stop on the failure, not the timeout")
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(memory.New())
	f.sleeper.block = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.crawler.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.sleeper.recorded()) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("crawler did not stop after cancel")
	}
}
