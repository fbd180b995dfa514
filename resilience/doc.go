// Package resilience guards calls to token issuers.
//
// It provides three independent building blocks that the token manager
// composes for every server:
//
//   - Retrier: repeats retryable failures with fixed, linear or exponential
//     backoff (github.com/cenkalti/backoff/v5 sequences, randomization off).
//   - CircuitBreaker: Closed, Open and HalfOpen states with a single trial
//     call once the open timeout has elapsed.
//   - RateLimiter: token bucket over golang.org/x/time/rate.
//
// # Quick Start
//
//	breaker := resilience.NewCircuitBreaker("svc1", 5, time.Minute)
//	retrier := resilience.NewRetrier(resilience.Policy{
//	    Strategy:     config.RetryExponential,
//	    MaxAttempts:  3,
//	    InitialDelay: time.Second,
//	    Multiplier:   2,
//	    MaxDelay:     30 * time.Second,
//	})
//
//	err := retrier.Do(ctx, func(ctx context.Context) error {
//	    return breaker.Execute(func() error {
//	        return callIssuer(ctx)
//	    })
//	})
package resilience
