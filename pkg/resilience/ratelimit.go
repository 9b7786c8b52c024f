// Package resilience provides the protection layers wrapped around every
// provider call: token-bucket rate limiting, circuit breaking, and retry
// with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrOverloaded indicates the waiter queue reached its high-water mark.
// Overload counts as a breaker failure.
var ErrOverloaded = errors.New("provider overloaded")

var limiterWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "paperflow",
	Subsystem: "ratelimit",
	Name:      "waiters",
	Help:      "Callers queued on the provider token bucket.",
}, []string{"provider"})

// Limiter is a per-provider token bucket. Acquisition is first-waiter-
// first-served: only the queue head may consume a token, so a burst of
// refilled tokens cannot let a late arrival jump the line.
//
// The bucket starts empty and fills at the configured rate; the
// conservative default for process restart.
type Limiter struct {
	name         string
	capacity     float64
	refillPerSec float64
	maxWaiters   int

	mu     sync.Mutex
	tokens float64
	last   time.Time
	queue  []*waiter

	// timer pending for the queue head, if any
	timer *time.Timer
}

type waiter struct {
	ready chan struct{}
}

// NewLimiter creates a token bucket with the given capacity and refill
// rate. maxWaiters bounds the queue; acquires beyond it fail fast.
func NewLimiter(name string, capacity int, refillPerSec float64, maxWaiters int) *Limiter {
	if maxWaiters <= 0 {
		maxWaiters = 1000
	}
	return &Limiter{
		name:         name,
		capacity:     float64(capacity),
		refillPerSec: refillPerSec,
		maxWaiters:   maxWaiters,
		last:         time.Now(),
	}
}

// Acquire blocks until one token is available, the context is cancelled,
// or the waiter queue is full.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.refill()

	if len(l.queue) == 0 && l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}

	if len(l.queue) >= l.maxWaiters {
		l.mu.Unlock()
		return ErrOverloaded
	}

	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	limiterWaiters.WithLabelValues(l.name).Set(float64(len(l.queue)))
	if len(l.queue) == 1 {
		l.armLocked()
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.abandon(w)
		return ctx.Err()
	}
}

// TryAcquire returns immediately: true if a token was taken. Queued
// waiters keep priority; a try never jumps the line.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if len(l.queue) == 0 && l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Waiters returns the current queue depth.
func (l *Limiter) Waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// refill accrues tokens since the last update. Caller holds l.mu.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refillPerSec)
		l.last = now
	}
}

// armLocked schedules a dispense for when the next token accrues.
// Caller holds l.mu.
func (l *Limiter) armLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	delay := time.Duration(0)
	if l.tokens < 1 {
		delay = time.Duration((1 - l.tokens) / l.refillPerSec * float64(time.Second))
	}
	l.timer = time.AfterFunc(delay, l.dispense)
}

// dispense hands tokens to queued waiters in FIFO order.
func (l *Limiter) dispense() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	for len(l.queue) > 0 && l.tokens >= 1 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		l.tokens--
		close(head.ready)
	}
	limiterWaiters.WithLabelValues(l.name).Set(float64(len(l.queue)))
	if len(l.queue) > 0 {
		l.armLocked()
	}
}

// abandon removes a cancelled waiter. If the waiter was already granted a
// token in the race with cancellation, the token is passed on.
func (l *Limiter) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, queued := range l.queue {
		if queued == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			limiterWaiters.WithLabelValues(l.name).Set(float64(len(l.queue)))
			return
		}
	}

	// Not in the queue: the dispenser already granted our token. Give it
	// back so the next waiter (or caller) can use it.
	l.tokens = math.Min(l.capacity, l.tokens+1)
	if len(l.queue) > 0 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		l.tokens--
		close(head.ready)
		limiterWaiters.WithLabelValues(l.name).Set(float64(len(l.queue)))
		if len(l.queue) > 0 {
			l.armLocked()
		}
	}
}
