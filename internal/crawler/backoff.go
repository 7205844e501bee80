package crawler

import (
	"context"
	"time"
)

// Backoff is the delay state of an idle loop. A delay above one second
// grows by squaring its value in seconds; a shorter one doubles, so the
// sequence always grows until it reaches max.
type Backoff struct {
	start   time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff starts at start and never exceeds max.
func NewBackoff(start, max time.Duration) *Backoff {
	if max < start {
		max = start
	}
	return &Backoff{start: start, max: max, current: start}
}

// Next returns the delay to sleep now and grows the state for the next call.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current = b.grow(d)
	return d
}

// Current returns the delay the next call to Next will return.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Reset restores the start delay.
func (b *Backoff) Reset() {
	b.current = b.start
}

func (b *Backoff) grow(d time.Duration) time.Duration {
	secs := d.Seconds()
	next := 2 * d
	if squared := secs * secs; squared > secs {
		if squared >= b.max.Seconds() {
			return b.max
		}
		next = time.Duration(squared * float64(time.Second))
	}
	if next <= 0 || next > b.max {
		return b.max
	}
	return next
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
