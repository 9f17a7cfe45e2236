// Package clock abstracts time behind a single interface so that every
// component reads the same source and replays are deterministic. Core code
// never calls time.Now directly; it asks the injected Clock.
package clock

import (
	"sync"
	"time"
)

const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// Clock is the only time source the runtime consults.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time
	// NowMillis returns the current instant as Unix milliseconds.
	NowMillis() int64
	// NowISO returns the current instant as an ISO 8601 string in UTC
	// with millisecond precision.
	NowISO() string
	// Elapsed returns milliseconds since the clock was created.
	Elapsed() int64
	// WithOffset derives a clock shifted by d. The derived clock shares
	// the parent's progression.
	WithOffset(d time.Duration) Clock
}

// System returns a wall-time clock.
func System() Clock {
	return &systemClock{start: time.Now()}
}

type systemClock struct {
	start time.Time
}

func (c *systemClock) Now() time.Time   { return time.Now() }
func (c *systemClock) NowMillis() int64 { return c.Now().UnixMilli() }
func (c *systemClock) NowISO() string   { return c.Now().UTC().Format(isoLayout) }
func (c *systemClock) Elapsed() int64   { return time.Since(c.start).Milliseconds() }
func (c *systemClock) WithOffset(d time.Duration) Clock {
	return &offsetClock{inner: c, delta: d}
}

// DefaultSeedStep is how far a seeded clock advances on every read.
const DefaultSeedStep = time.Millisecond

// Seeded returns a clock that starts at seed and advances by step on every
// read. A zero step falls back to DefaultSeedStep. The first read observes
// the seed itself.
func Seeded(seed time.Time, step time.Duration) Clock {
	if step == 0 {
		step = DefaultSeedStep
	}
	return &seededClock{seed: seed.UnixMilli(), current: seed.UnixMilli(), step: step.Milliseconds()}
}

type seededClock struct {
	mu      sync.Mutex
	seed    int64
	current int64
	step    int64
}

func (c *seededClock) read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current += c.step
	return now
}

func (c *seededClock) Now() time.Time   { return time.UnixMilli(c.read()).UTC() }
func (c *seededClock) NowMillis() int64 { return c.read() }
func (c *seededClock) NowISO() string   { return time.UnixMilli(c.read()).UTC().Format(isoLayout) }
func (c *seededClock) Elapsed() int64   { return c.read() - c.seed }
func (c *seededClock) WithOffset(d time.Duration) Clock {
	return &offsetClock{inner: c, delta: d}
}

// Frozen returns a clock pinned at the given instant. It never advances.
func Frozen(at time.Time) Clock {
	return &frozenClock{at: at.UnixMilli(), created: at.UnixMilli()}
}

type frozenClock struct {
	at      int64
	created int64
}

func (c *frozenClock) Now() time.Time   { return time.UnixMilli(c.at).UTC() }
func (c *frozenClock) NowMillis() int64 { return c.at }
func (c *frozenClock) NowISO() string   { return time.UnixMilli(c.at).UTC().Format(isoLayout) }
func (c *frozenClock) Elapsed() int64   { return c.at - c.created }
func (c *frozenClock) WithOffset(d time.Duration) Clock {
	return &offsetClock{inner: c, delta: d}
}

// offsetClock shifts every reading of the inner clock by a fixed delta.
// Elapsed is offset-invariant and delegates unchanged.
type offsetClock struct {
	inner Clock
	delta time.Duration
}

func (c *offsetClock) Now() time.Time   { return c.inner.Now().Add(c.delta) }
func (c *offsetClock) NowMillis() int64 { return c.inner.NowMillis() + c.delta.Milliseconds() }
func (c *offsetClock) NowISO() string {
	return time.UnixMilli(c.NowMillis()).UTC().Format(isoLayout)
}
func (c *offsetClock) Elapsed() int64 { return c.inner.Elapsed() }
func (c *offsetClock) WithOffset(d time.Duration) Clock {
	return &offsetClock{inner: c.inner, delta: c.delta + d}
}
