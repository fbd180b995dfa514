package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// State is the state of a CircuitBreaker.
type State int32

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the open timeout elapses.
	Open
	// HalfOpen admits a single trial call.
	HalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the clock used for the open timeout.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithStateChange registers a callback invoked after every state transition.
// The callback runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// BreakerSnapshot is a point-in-time view of a CircuitBreaker.
type BreakerSnapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Total               uint64
	Successes           uint64
	Failures            uint64
	Rejections          uint64
}

// CircuitBreaker stops calls to an issuer after repeated failures and lets a
// single trial through once the open timeout has elapsed.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trialRunning bool

	total      uint64
	successes  uint64
	failed     uint64
	rejections uint64

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

type transition struct {
	from, to State
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State returns the current state, taking an elapsed open timeout into account.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == Open && cb.now().Sub(cb.openedAt) >= cb.timeout {
		return HalfOpen
	}
	return cb.state
}

// Allow reports whether a call would currently be admitted. It does not
// reserve the half-open trial; Execute does that.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == Open && cb.now().Sub(cb.openedAt) < cb.timeout {
		cb.rejections++
		return cb.rejectLocked()
	}
	return nil
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Every non-nil error returned by fn counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var changes []transition
	if cb.state == Open && cb.now().Sub(cb.openedAt) >= cb.timeout {
		changes = append(changes, cb.setStateLocked(HalfOpen))
	}

	switch {
	case cb.state == Open, cb.state == HalfOpen && cb.trialRunning:
		cb.rejections++
		err := cb.rejectLocked()
		cb.mu.Unlock()
		cb.notify(changes)
		return err
	case cb.state == HalfOpen:
		cb.trialRunning = true
	}
	cb.total++
	cb.mu.Unlock()
	cb.notify(changes)

	err := fn()

	cb.mu.Lock()
	changes = changes[:0]
	if cb.state == HalfOpen {
		cb.trialRunning = false
	}
	if err == nil {
		cb.successes++
		cb.failures = 0
		if cb.state != Closed {
			changes = append(changes, cb.setStateLocked(Closed))
		}
	} else {
		cb.failed++
		cb.failures++
		if cb.state == HalfOpen || (cb.state == Closed && cb.failures >= cb.threshold) {
			cb.openedAt = cb.now()
			changes = append(changes, cb.setStateLocked(Open))
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)

	return err
}

// Snapshot returns the breaker's counters and state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state := cb.state
	if state == Open && cb.now().Sub(cb.openedAt) >= cb.timeout {
		state = HalfOpen
	}
	return BreakerSnapshot{
		State:               state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		Total:               cb.total,
		Successes:           cb.successes,
		Failures:            cb.failed,
		Rejections:          cb.rejections,
	}
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	cb.failures = 0
	cb.trialRunning = false
	if cb.state != Closed {
		changes = append(changes, cb.setStateLocked(Closed))
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) setStateLocked(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

func (cb *CircuitBreaker) rejectLocked() error {
	retryIn := cb.timeout - cb.now().Sub(cb.openedAt)
	if retryIn < 0 {
		retryIn = 0
	}
	return &tokenerr.Error{
		Kind:    tokenerr.CircuitOpen,
		Server:  cb.name,
		Message: fmt.Sprintf("%d consecutive failures, retry in %s", cb.failures, retryIn.Round(time.Second)),
		Hint:    "the token endpoint is failing repeatedly; check issuer availability and credentials",
	}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.onStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.onStateChange(cb.name, c.from, c.to)
	}
}
