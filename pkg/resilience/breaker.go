package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrBreakerOpen indicates the breaker is rejecting calls without
// contacting the provider. Callers map it to provider-unavailable.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is one of closed, open, or half-open.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "paperflow",
	Subsystem: "breaker",
	Name:      "state",
	Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
}, []string{"provider"})

// BreakerOpts tunes a Breaker. Zero fields take the documented defaults.
type BreakerOpts struct {
	// WindowSize is the number of recent outcomes examined (N).
	WindowSize int
	// FailureThreshold trips the breaker when the failure ratio over a
	// full window reaches it (T).
	FailureThreshold float64
	// CoolDown is the initial open duration (D). Every failed probe
	// doubles it, up to CoolDownCeil.
	CoolDown     time.Duration
	CoolDownCeil time.Duration
	// HalfOpenProbes is the number of consecutive probe successes needed
	// to close, and the cap on concurrent probes (K).
	HalfOpenProbes int
}

func (o *BreakerOpts) withDefaults() BreakerOpts {
	out := *o
	if out.WindowSize <= 0 {
		out.WindowSize = 20
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 0.5
	}
	if out.CoolDown <= 0 {
		out.CoolDown = 30 * time.Second
	}
	if out.CoolDownCeil < out.CoolDown {
		out.CoolDownCeil = 5 * time.Minute
	}
	if out.HalfOpenProbes <= 0 {
		out.HalfOpenProbes = 3
	}
	return out
}

// Breaker is a per-provider circuit breaker over a sliding window of call
// outcomes. It trips open when the failure ratio over a full window
// reaches the threshold, fails fast while open, and recovers through a
// half-open probe phase.
type Breaker struct {
	name string
	opts BreakerOpts

	mu       sync.Mutex
	state    BreakerState
	window   []bool // true = failure
	writeIdx int
	filled   int
	failures int

	openedAt       time.Time
	coolDown       time.Duration
	inFlightProbes int
	probeSuccesses int
}

// NewBreaker creates a closed breaker with an empty window.
func NewBreaker(name string, opts BreakerOpts) *Breaker {
	o := opts.withDefaults()
	b := &Breaker{
		name:     name,
		opts:     o,
		window:   make([]bool, o.WindowSize),
		coolDown: o.CoolDown,
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. While open it fails fast
// until the cool-down elapses; half-open admits at most K probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.coolDown {
			return ErrBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.inFlightProbes = 0
		b.probeSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if b.inFlightProbes >= b.opts.HalfOpenProbes {
			return ErrBreakerOpen
		}
		b.inFlightProbes++
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Outcomes that
// arrive after a state change they did not participate in (a closed-state
// call completing after the breaker tripped) are dropped.
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.push(failure)
		if b.filled >= b.opts.WindowSize && b.ratio() >= b.opts.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// Overload outcomes are recorded without a paired Allow, so the
		// probe count needs a floor.
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		if failure {
			b.trip()
			b.coolDown = min(b.coolDown*2, b.opts.CoolDownCeil)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.opts.HalfOpenProbes {
			b.close()
		}
	case StateOpen:
		// stale outcome, ignore
	}
}

// Discard releases a probe slot for a call whose outcome says nothing
// about the provider (the caller cancelled mid-flight). The window and
// probe tallies are untouched.
func (b *Breaker) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.inFlightProbes > 0 {
		b.inFlightProbes--
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.coolDown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) push(failure bool) {
	if b.filled == b.opts.WindowSize {
		if b.window[b.writeIdx] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[b.writeIdx] = failure
	if failure {
		b.failures++
	}
	b.writeIdx = (b.writeIdx + 1) % b.opts.WindowSize
}

func (b *Breaker) ratio() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.filled)
}

func (b *Breaker) trip() {
	b.setState(StateOpen)
	b.openedAt = time.Now()
	b.inFlightProbes = 0
	b.probeSuccesses = 0
}

func (b *Breaker) close() {
	b.setState(StateClosed)
	b.coolDown = b.opts.CoolDown
	b.filled = 0
	b.failures = 0
	b.writeIdx = 0
	for i := range b.window {
		b.window[i] = false
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	breakerState.WithLabelValues(b.name).Set(float64(s))
}
