package resilience

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// RateLimiter bounds how often a server's issuer may be called. It is a
// token bucket holding up to max tokens and refilling max tokens per window.
type RateLimiter struct {
	name    string
	max     int
	window  time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock overrides the clock used to refill the bucket.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		l.now = now
	}
}

// NewRateLimiter creates a limiter. A non-positive max disables limiting.
func NewRateLimiter(name string, max int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		name:   name,
		max:    max,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if max > 0 && window > 0 {
		l.limiter = rate.NewLimiter(rate.Every(window/time.Duration(max)), max)
	}
	return l
}

// Allow consumes one token or returns a RateLimited error.
func (l *RateLimiter) Allow() error {
	if l == nil || l.limiter == nil {
		return nil
	}
	if l.limiter.AllowN(l.now(), 1) {
		return nil
	}
	return &tokenerr.Error{
		Kind:    tokenerr.RateLimited,
		Server:  l.name,
		Message: fmt.Sprintf("more than %d acquisitions per %s", l.max, l.window),
		Hint:    "raise rate_limit.max_requests or reduce cache invalidations",
	}
}

// Remaining returns the number of acquisitions currently allowed, or -1 when
// limiting is disabled.
func (l *RateLimiter) Remaining() int {
	if l == nil || l.limiter == nil {
		return -1
	}
	tokens := l.limiter.TokensAt(l.now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}
