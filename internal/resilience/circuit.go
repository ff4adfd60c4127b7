package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned when the breaker rejects a call outright.
var ErrBreakerOpen = eris.New("provider breaker open")

// Breaker is a circuit breaker guarding one outbound provider. After
// Threshold consecutive transient failures it rejects calls for Cooldown,
// then lets a single probe through.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool

	now func() time.Time
}

// NewBreaker creates a Breaker. Non-positive arguments take the defaults
// (5 failures, 30s cooldown).
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. During cooldown it returns
// ErrBreakerOpen; after cooldown it admits one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return ErrBreakerOpen
	}
	// Probe window: stay open but let this call through. Record decides.
	return nil
}

// Record feeds a call result back. Only errors IsTransient considers
// retryable count toward the threshold; a definitive provider rejection
// says nothing about provider health.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		if b.open {
			zap.L().Info("provider breaker closed")
		}
		b.open = false
		b.failures = 0
		return
	}

	b.failures++
	if b.open {
		// Failed probe: restart the cooldown.
		b.openedAt = b.now()
		return
	}
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		zap.L().Warn("provider breaker opened", zap.Int("consecutive_failures", b.failures))
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.cooldown
}
