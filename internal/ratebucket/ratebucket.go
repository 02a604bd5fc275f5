// Package ratebucket implements the lazy-refill token bucket used to
// throttle per-connection message and byte rates. No timer ever runs;
// the bucket catches up on elapsed time the next time it is consulted.
package ratebucket

import (
	"sync"
	"time"
)

// Bucket is a fixed-capacity, lazily-refilling token bucket.
type Bucket struct {
	mu sync.Mutex

	capacity       int64
	refillTokens   int64
	refillInterval time.Duration

	tokens     int64
	lastRefill time.Time
}

// New creates a Bucket starting at full capacity.
func New(capacity, refillTokens int64, refillInterval time.Duration) *Bucket {
	return &Bucket{
		capacity:       capacity,
		refillTokens:   refillTokens,
		refillInterval: refillInterval,
		tokens:         capacity,
		lastRefill:     time.Now(),
	}
}

// Take advances the bucket's lazy refill based on elapsed wall-clock time,
// then attempts to deduct n tokens. It returns true and deducts n iff the
// bucket held at least n tokens after refill.
func (b *Bucket) Take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// refillLocked advances tokens by whole elapsed refill periods, capped at
// capacity, and moves the refill marker forward by exactly that many whole
// periods — never to "now" directly — so unconsumed fractional progress
// toward the next period is preserved across calls.
func (b *Bucket) refillLocked(now time.Time) {
	if b.refillInterval <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	periods := int64(elapsed / b.refillInterval)
	if periods <= 0 {
		return
	}
	b.tokens += periods * b.refillTokens
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.refillInterval)
}

// Remaining reports the current token count without consuming any,
// refilling lazily first.
func (b *Bucket) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Pair bundles the two buckets a Connection Context owns: one metered in
// message counts, one metered in bytes, both over the same rolling window.
type Pair struct {
	Messages *Bucket
	Bytes    *Bucket
}

// NewPair builds the dual message/byte buckets for one connection, both
// refilling once per window (capacity == refill_tokens, one refill period
// per window) so a fresh connection starts with a full window's budget and
// regains it wholesale after a full window of silence.
func NewPair(maxMsgsPer10s, maxBytesPer10s int, window time.Duration) *Pair {
	return &Pair{
		Messages: New(int64(maxMsgsPer10s), int64(maxMsgsPer10s), window),
		Bytes:    New(int64(maxBytesPer10s), int64(maxBytesPer10s), window),
	}
}
