// Package ratelimit throttles request admission per tenant with a token
// bucket. It sits in front of the RPC surface, ahead of budget accounting:
// a denied request never reaches the gate and never debits the tenant's
// budget. Buckets read time from the injected clock so refill behavior is
// reproducible under a seeded clock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/requiemhq/requiem/pkg/clock"
	"github.com/requiemhq/requiem/pkg/fault"
)

// Policy defines a tenant's admission limits.
type Policy struct {
	// RPS is the sustained refill rate in requests per second.
	RPS float64
	// Burst is the bucket capacity: how many requests may arrive at once
	// after an idle period.
	Burst int
}

// DefaultPolicy is applied when no per-tenant policy is configured.
var DefaultPolicy = Policy{RPS: 10, Burst: 20}

// Store abstracts the bucket state so single-process deployments use local
// memory and multi-process deployments share buckets through Redis.
type Store interface {
	// Allow consumes cost tokens from tenantID's bucket. It reports false
	// when the bucket cannot cover the cost.
	Allow(ctx context.Context, tenantID string, policy Policy, cost int) (bool, error)
}

// Enforce admits or rejects one request. It fails closed: a nil store or a
// store error rejects the request rather than letting an unmetered call
// through.
func Enforce(ctx context.Context, store Store, tenantID string, policy Policy) error {
	if store == nil {
		return fault.New(fault.CodeInternal, "rate limiter has no store configured")
	}
	allowed, err := store.Allow(ctx, tenantID, policy, 1)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "rate limiter check failed", err)
	}
	if !allowed {
		return fault.Newf(fault.CodeBudgetExceeded, "rate limit exceeded for tenant %s", tenantID).
			WithMeta("rps", policy.RPS).
			WithMeta("burst", policy.Burst)
	}
	return nil
}

// Bucket is a single token bucket. Tokens refill continuously at RPS up to
// Burst capacity.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	clock      clock.Clock
}

// NewBucket returns a full bucket refilling at ratePerSec.
func NewBucket(ratePerSec float64, capacity int, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.System()
	}
	return &Bucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: clk.Now(),
		clock:      clk,
	}
}

// Allow consumes cost tokens if available.
func (b *Bucket) Allow(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps one bucket per tenant in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	clock   clock.Clock
}

// NewMemoryStore returns an empty store over the given clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStore{buckets: make(map[string]*Bucket), clock: clk}
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, tenantID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[tenantID]
	if !ok {
		rate := policy.RPS
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = NewBucket(rate, burst, s.clock)
		s.buckets[tenantID] = b
	}
	s.mu.Unlock()

	return b.Allow(cost), nil
}
