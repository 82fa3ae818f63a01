package buddy

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/opd-ai/buddynet/crypto"
)

// Throttle counts recent hits per key with a stack of Bloom filters, the
// n-th filter holding keys seen at least n+1 times. The whole stack is
// recreated once it is older than its lifetime.
type Throttle struct {
	mu       sync.Mutex
	layers   []*bloom.BloomFilter
	created  time.Time
	capacity uint
	lifetime time.Duration
	tp       crypto.TimeProvider
}

// NewThrottle creates a throttle that counts up to maxHits hits for
// about capacity distinct keys.
func NewThrottle(capacity uint, maxHits int, lifetime time.Duration, tp crypto.TimeProvider) *Throttle {
	if maxHits < 1 {
		maxHits = 1
	}
	return &Throttle{
		layers:   make([]*bloom.BloomFilter, maxHits),
		capacity: capacity,
		lifetime: lifetime,
		tp:       crypto.OrDefault(tp),
	}
}

// Hit records one hit for key and returns the hit count, saturating at
// the throttle's maximum.
func (t *Throttle) Hit(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.layers[0] == nil {
		t.created = t.tp.Now()
	}

	data := []byte(key)
	for i, layer := range t.layers {
		if layer == nil {
			layer = bloom.NewWithEstimates(t.capacity, 0.01)
			t.layers[i] = layer
		}
		if !layer.TestAndAdd(data) {
			return i + 1
		}
	}
	return len(t.layers)
}

// Seen reports whether key has been hit since the last reset.
func (t *Throttle) Seen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.layers[0] != nil && t.layers[0].Test([]byte(key))
}

// Expire drops all counts once the throttle is older than its lifetime.
func (t *Throttle) Expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.layers[0] == nil {
		return false
	}
	now := t.tp.Now()
	if now.Before(t.created) {
		t.created = now
		return false
	}
	if now.Sub(t.created) <= t.lifetime {
		return false
	}
	for i := range t.layers {
		t.layers[i] = nil
	}
	return true
}
