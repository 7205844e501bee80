// Package mirrortest provides in-memory fakes of the mirror interfaces.
package mirrortest

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

// Upstream is a scripted mirror.Upstream. Unknown ids report not found.
type Upstream struct {
	mu      sync.Mutex
	maps    map[uint32]mirror.Map
	mapSets map[uint32]mirror.MapSet
	errs    map[mirror.Kind]map[uint32]error
	calls   map[mirror.Kind]map[uint32]int
	// Hook, if set, runs at the start of every call.
	Hook func(ctx context.Context, kind mirror.Kind, id uint32)
}

// NewUpstream returns an empty fake upstream.
func NewUpstream() *Upstream {
	return &Upstream{
		maps:    make(map[uint32]mirror.Map),
		mapSets: make(map[uint32]mirror.MapSet),
		errs:    map[mirror.Kind]map[uint32]error{mirror.KindMap: {}, mirror.KindMapSet: {}},
		calls:   map[mirror.Kind]map[uint32]int{mirror.KindMap: {}, mirror.KindMapSet: {}},
	}
}

// PutMap makes m available.
func (u *Upstream) PutMap(m mirror.Map) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.maps[m.ID] = m
}

// PutMapSet makes s available.
func (u *Upstream) PutMapSet(s mirror.MapSet) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mapSets[s.ID] = s
}

// Fail makes lookups of kind/id return err until cleared with a nil err.
func (u *Upstream) Fail(kind mirror.Kind, id uint32, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		delete(u.errs[kind], id)
		return
	}
	u.errs[kind][id] = err
}

// Calls reports how often kind/id was requested.
func (u *Upstream) Calls(kind mirror.Kind, id uint32) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[kind][id]
}

// Map implements mirror.Upstream.
func (u *Upstream) Map(ctx context.Context, id uint32) (mirror.Map, bool, error) {
	if err := u.enter(ctx, mirror.KindMap, id); err != nil {
		return mirror.Map{}, false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.maps[id]
	return m, ok, nil
}

// MapSet implements mirror.Upstream.
func (u *Upstream) MapSet(ctx context.Context, id uint32) (mirror.MapSet, bool, error) {
	if err := u.enter(ctx, mirror.KindMapSet, id); err != nil {
		return mirror.MapSet{}, false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.mapSets[id]
	return s, ok, nil
}

func (u *Upstream) enter(ctx context.Context, kind mirror.Kind, id uint32) error {
	if u.Hook != nil {
		u.Hook(ctx, kind, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[kind][id]++
	return u.errs[kind][id]
}

// Clock is a settable mirror.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the clock at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
