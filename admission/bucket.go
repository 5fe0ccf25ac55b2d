package admission

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// levelEpsilon absorbs float drift in the limiter's refill arithmetic so a
// unit that is due at t reads as available at t.
const levelEpsilon = 1e-9

// TokenBucket is a per-minute budget refilled linearly at ceiling/60 units
// per second, capped at the ceiling. It is not safe for concurrent use on
// its own; the Controller guards it.
type TokenBucket struct {
	name    string
	ceiling int
	lim     *rate.Limiter
	// last is the latest instant observed. Earlier timestamps are treated
	// as last so a stale clock read never rewinds the limiter.
	last time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(name string, ceiling int, now time.Time) *TokenBucket {
	ceiling = max(ceiling, 0)
	return &TokenBucket{name: name, ceiling: ceiling, lim: newLimiter(ceiling), last: now}
}

func newLimiter(ceiling int) *rate.Limiter {
	return rate.NewLimiter(perMinute(ceiling), ceiling)
}

func perMinute(ceiling int) rate.Limit {
	return rate.Limit(float64(ceiling) / 60)
}

func (b *TokenBucket) Name() string { return b.name }

func (b *TokenBucket) Ceiling() int { return b.ceiling }

func (b *TokenBucket) at(now time.Time) time.Time {
	if now.Before(b.last) {
		return b.last
	}
	b.last = now
	return now
}

func (b *TokenBucket) tokens(now time.Time) float64 {
	return b.lim.TokensAt(now)
}

func whole(tokens float64) int {
	return int(math.Floor(tokens + levelEpsilon))
}

// Peek returns the level as of the latest observed instant.
func (b *TokenBucket) Peek() int {
	return whole(b.tokens(b.last))
}

// Refill brings the bucket up to now. Timestamps earlier than the latest
// observed one are ignored.
func (b *TokenBucket) Refill(now time.Time) {
	b.at(now)
}

// Level refills and returns the whole units available.
func (b *TokenBucket) Level(now time.Time) int {
	return whole(b.tokens(b.at(now)))
}

// TryConsume refills, then subtracts n if the level covers it. On failure
// the level is left untouched.
func (b *TokenBucket) TryConsume(now time.Time, n int) bool {
	now = b.at(now)
	n = max(n, 0)
	if whole(b.tokens(now)) < n {
		return false
	}
	// The check above rounds drift up; ReserveN commits the debit even when
	// the float level sits just below n.
	return b.lim.ReserveN(now, n).OK()
}

// SetCeiling changes the ceiling and the refill rate with it. Lowering it
// caps the level at once; raising it only shows through later refills.
func (b *TokenBucket) SetCeiling(now time.Time, ceiling int) {
	now = b.at(now)
	ceiling = max(ceiling, 0)
	b.ceiling = ceiling
	b.lim.SetBurstAt(now, ceiling)
	// SetLimitAt stores the level capped at the new burst.
	b.lim.SetLimitAt(now, perMinute(ceiling))
}

// Reset fills the bucket to its ceiling.
func (b *TokenBucket) Reset(now time.Time) {
	b.at(now)
	b.lim = newLimiter(b.ceiling)
}

// WaitTime estimates how long after now the level reaches n without
// further consumption. It returns a negative duration when n exceeds the
// ceiling.
func (b *TokenBucket) WaitTime(now time.Time, n int) time.Duration {
	now = b.at(now)
	tokens := b.tokens(now)
	if n <= whole(tokens) {
		return 0
	}
	if n > b.ceiling || b.ceiling == 0 {
		return -1
	}
	need := float64(n) - tokens
	return time.Duration(math.Ceil(need / float64(b.lim.Limit()) * float64(time.Second)))
}
