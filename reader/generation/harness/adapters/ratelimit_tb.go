package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
)

// TokenBucket limits concurrent inference turns per key (one key per session).
// A token is consumed on Acquire, returned on release, and refilled over time.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
}

// bucket represents a single token bucket for a key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Acquire attempts to take a token for the given key without blocking.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     tb.capacity,
			lastRefill: time.Now(),
		}
		tb.buckets[key] = b
	}

	elapsed := time.Since(b.lastRefill)
	tokensToAdd := int(elapsed / tb.refillRate)
	if tokensToAdd > 0 {
		b.tokens = min(b.tokens+tokensToAdd, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(tokensToAdd) * tb.refillRate)
	}

	if b.tokens <= 0 {
		return nil, ErrRateLimitExceeded
	}

	b.tokens--

	var once sync.Once
	release = func() {
		once.Do(func() {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			if b, exists := tb.buckets[key]; exists {
				b.tokens = min(b.tokens+1, tb.capacity)
			}
		})
	}

	return release, nil
}

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
