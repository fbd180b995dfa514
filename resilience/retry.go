package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// Policy describes how often and how far apart issuer calls are retried.
type Policy struct {
	Strategy     string // fixed, linear or exponential
	MaxAttempts  int    // total attempts including the first one
	InitialDelay time.Duration
	Increment    time.Duration // linear step
	Multiplier   float64       // exponential factor
	MaxDelay     time.Duration // upper bound for any single delay, 0 means unbounded
}

// PolicyFromConfig converts the configured retry section into a Policy.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Strategy:     cfg.Strategy,
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		Increment:    cfg.Increment,
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay,
	}
}

// NewBackOff returns a fresh backoff sequence for the policy. Randomization
// is disabled so delays are deterministic:
//
//	fixed:       d
//	linear:      d + i*(k-1)
//	exponential: d * m^(k-1)
//
// each capped at MaxDelay.
func (p Policy) NewBackOff() backoff.BackOff {
	switch p.Strategy {
	case config.RetryFixed:
		return &cappedBackOff{next: backoff.NewConstantBackOff(p.InitialDelay), max: p.MaxDelay}
	case config.RetryLinear:
		return &cappedBackOff{next: &linearBackOff{initial: p.InitialDelay, increment: p.Increment}, max: p.MaxDelay}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.InitialDelay
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxInterval = p.MaxDelay
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = time.Duration(1<<63 - 1)
		}
		exp.Reset()
		return &cappedBackOff{next: exp, max: p.MaxDelay}
	}
}

// Delays returns the delays the policy would wait between its attempts.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.NewBackOff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

type linearBackOff struct {
	initial   time.Duration
	increment time.Duration
	attempt   int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.initial + time.Duration(b.attempt)*b.increment
	b.attempt++
	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

type cappedBackOff struct {
	next backoff.BackOff
	max  time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *cappedBackOff) Reset() { b.next.Reset() }

// Attempt describes one failed attempt that is about to be retried.
type Attempt struct {
	Number int           // 1-based number of the failed attempt
	Delay  time.Duration // wait before the next attempt
	Err    error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper backed by a timer.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithSleeper replaces the wait between attempts, mainly for tests.
func WithSleeper(sleep Sleeper) RetryOption {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// WithNotify registers a callback invoked before every retry.
func WithNotify(fn func(Attempt)) RetryOption {
	return func(r *Retrier) {
		r.notify = fn
	}
}

// WithStopWhen ends the loop after a failed attempt, before any wait, when
// stop reports true. The error of that attempt is returned.
func WithStopWhen(stop func(err error) bool) RetryOption {
	return func(r *Retrier) {
		r.stop = stop
	}
}

// Retrier runs an operation until it succeeds, fails permanently, or the
// policy runs out of attempts.
type Retrier struct {
	policy Policy
	sleep  Sleeper
	notify func(Attempt)
	stop   func(error) bool
}

// NewRetrier creates a Retrier for the given policy.
func NewRetrier(policy Policy, opts ...RetryOption) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		policy: policy,
		sleep:  ContextSleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retry policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls op until it returns nil. Only errors classified as retryable are
// retried; a breaker rejection or any other error ends the loop immediately.
// The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := r.policy.NewBackOff()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if attempt >= r.policy.MaxAttempts || errors.Is(err, tokenerr.CircuitOpen) || !tokenerr.Retryable(err) {
			return err
		}
		if r.stop != nil && r.stop(err) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}

		if r.notify != nil {
			r.notify(Attempt{Number: attempt, Delay: delay, Err: err})
		}

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}
