package hub

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffFloor   = 5 * time.Second
	DefaultBackoffCeiling = 300 * time.Second

	// minDelay is the lower bound of any applied delay after jitter.
	minDelay = time.Second

	// jitterFraction is the uniform perturbation applied to each delay (±25%).
	jitterFraction = 0.25
)

// Backoff computes reconnect delays. The base starts at the floor, doubles
// after each delay handed out and is capped at the ceiling.
//
// Thread Safety: all methods are safe for concurrent use.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	jitter  bool

	mu   sync.Mutex
	base time.Duration
	rand func() float64
}

// NewBackoff returns a Backoff. Zero floor or ceiling select the defaults.
func NewBackoff(floor, ceiling time.Duration, jitter bool) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCeiling
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{
		floor:   floor,
		ceiling: ceiling,
		jitter:  jitter,
		base:    floor,
		rand:    rand.Float64,
	}
}

// Next returns the delay for the current failure and advances the base.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.base
	b.base = min(b.base*2, b.ceiling)

	if b.jitter {
		factor := 1 + (b.rand()*2-1)*jitterFraction
		d = time.Duration(float64(d) * factor)
	}
	return max(d, minDelay)
}

// Reset returns the base delay to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.base = b.floor
	b.mu.Unlock()
}
