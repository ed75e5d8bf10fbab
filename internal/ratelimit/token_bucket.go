// Package ratelimit throttles outbound control traffic such as keyframe
// requests.
package ratelimit

import (
	"sync"
	"time"
)

// One token is stored as 1e9 nano-tokens, so a fill rate of N tokens/sec adds
// exactly N nano-tokens per elapsed nanosecond and no floats are needed.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket driven by a Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64
	last      time.Time
}

// NewTokenBucket returns a full bucket holding capacityTokens that refills at
// fillRate tokens per second. A nil clock uses wall time.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(fillRate, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// PerSecond returns a bucket allowing a burst of one and perSecond events per
// second afterwards. perSecond <= 0 never allows anything.
func PerSecond(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return NewTokenBucket(clock, 0, 0)
	}
	return NewTokenBucket(clock, 1, int64(perSecond))
}

// Allow consumes tokens if that many are available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	// A clock stepping backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.capacity == 0 {
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		b.available = b.capacity
		return
	}
	// Compare before multiplying so elapsed*rate cannot overflow.
	if elapsed >= missing/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
