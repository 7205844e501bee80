// Package bulk fans a batch of upstream lookups out concurrently and joins them.
package bulk

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

// FetchFunc looks up one id. found is false when the upstream confirms the
// id does not exist.
type FetchFunc[T any] func(ctx context.Context, id uint32) (item T, found bool, err error)

// Fetch runs one fetch per id, all at once, and waits for every one. Absent
// ids are left out of the result. The first error cancels the remaining
// fetches and is returned with no items.
//
// Fetch is the strict all-or-nothing form for callers that want a barrier
// over the whole batch. The crawler uses FetchOutcomes so that one failing
// id does not discard its siblings.
func Fetch[T any](ctx context.Context, ids []uint32, fetch FetchFunc[T]) ([]T, error) {
	items := make([]T, len(ids))
	found := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			item, ok, err := fetch(gctx, id)
			if errors.Is(err, mirror.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			items[i], found[i] = item, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for i := range ids {
		if found[i] {
			out = append(out, items[i])
		}
	}
	return out, nil
}

// Outcome is the result of fetching one id.
type Outcome[T any] struct {
	ID    uint32
	Item  T
	Found bool
	Err   error
}

// FetchOutcomes runs one fetch per id concurrently and reports every result
// separately, so one failure does not discard its siblings. At most limit
// fetches are in flight at once; limit <= 0 means no bound. The returned
// slice is in the order of ids.
func FetchOutcomes[T any](ctx context.Context, ids []uint32, fetch FetchFunc[T], limit int) []Outcome[T] {
	outcomes := make([]Outcome[T], len(ids))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range ids {
		g.Go(func() error {
			item, ok, err := fetch(ctx, id)
			if errors.Is(err, mirror.ErrNotFound) {
				ok, err = false, nil
			}
			outcomes[i] = Outcome[T]{ID: id, Item: item, Found: ok && err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Found returns the items of successful outcomes.
func Found[T any](outcomes []Outcome[T]) []T {
	var out []T
	for _, o := range outcomes {
		if o.Found {
			out = append(out, o.Item)
		}
	}
	return out
}

// Failed returns the outcomes that ended in an error.
func Failed[T any](outcomes []Outcome[T]) []Outcome[T] {
	var out []Outcome[T]
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}
