package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

var errFlaky = fmt.Errorf("%w: 503", mirror.ErrTransient)

func fakeFetch(absent, failing map[uint32]bool) FetchFunc[uint32] {
	return func(_ context.Context, id uint32) (uint32, bool, error) {
		switch {
		case failing[id]:
			return 0, false, errFlaky
		case absent[id]:
			return 0, false, nil
		}
		return id * 100, true, nil
	}
}

func TestFetchExcludesAbsentIDs(t *testing.T) {
	t.Parallel()

	items, err := Fetch(context.Background(), []uint32{1, 2, 3}, fakeFetch(map[uint32]bool{2: true}, nil))
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{100, 300}, items)
}

func TestFetchTreatsErrNotFoundAsAbsent(t *testing.T) {
	t.Parallel()

	fetch := func(_ context.Context, id uint32) (uint32, bool, error) {
		if id == 1 {
			return 0, false, mirror.ErrNotFound
		}
		return id, true, nil
	}
	items, err := Fetch(context.Background(), []uint32{1, 2}, fetch)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, items)
}

func TestFetchFailsWholeBatchOnError(t *testing.T) {
	t.Parallel()

	items, err := Fetch(context.Background(), []uint32{1, 2}, fakeFetch(nil, map[uint32]bool{2: true}))
	require.ErrorIs(t, err, mirror.ErrTransient)
	require.Nil(t, items)
}

func TestFetchRunsEveryIDConcurrently(t *testing.T) {
	t.Parallel()

	const n = 50
	var (
		started sync.WaitGroup
		release = make(chan struct{})
	)
	started.Add(n)
	fetch := func(ctx context.Context, id uint32) (uint32, bool, error) {
		started.Done()
		select {
		case <-release:
			return id, true, nil
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	go func() {
		started.Wait()
		close(release)
	}()

	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	items, err := Fetch(ctx, ids, fetch)
	require.NoError(t, err)
	require.Len(t, items, n)
}

func TestFetchOutcomesKeepsSiblings(t *testing.T) {
	t.Parallel()

	outcomes := FetchOutcomes(context.Background(), []uint32{1, 2, 3}, fakeFetch(map[uint32]bool{3: true}, map[uint32]bool{2: true}), 0)
	require.Len(t, outcomes, 3)

	require.Equal(t, Outcome[uint32]{ID: 1, Item: 100, Found: true}, outcomes[0])
	require.True(t, errors.Is(outcomes[1].Err, mirror.ErrTransient))
	require.False(t, outcomes[1].Found)
	require.Equal(t, Outcome[uint32]{ID: 3}, outcomes[2])

	require.Equal(t, []uint32{100}, Found(outcomes))
	failed := Failed(outcomes)
	require.Len(t, failed, 1)
	require.Equal(t, uint32(2), failed[0].ID)
}

func TestFetchOutcomesHonoursLimit(t *testing.T) {
	t.Parallel()

	const limit = 4
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	fetch := func(_ context.Context, id uint32) (uint32, bool, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return id, true, nil
	}

	ids := make([]uint32, 3*limit)
	for i := range ids {
		ids[i] = uint32(i + 1)
	}
	outcomes := FetchOutcomes(context.Background(), ids, fetch, limit)
	require.Len(t, Found(outcomes), len(ids))
	require.LessOrEqual(t, peak, limit)
}
