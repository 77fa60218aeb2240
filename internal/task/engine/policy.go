package engine

import (
	"math/rand"
	"time"
)

// policy is the resolved retry, overlap and breaker setting for one task.
type policy struct {
	skipIfRunning bool

	attempts int
	base     time.Duration
	ceiling  time.Duration
	jitter   float64

	trip         int // 0 disables the breaker
	tripBase     time.Duration
	tripMax      time.Duration
	tripForgetAt time.Duration
}

func resolve(cfg Config, o TaskOptions) policy {
	p := policy{
		skipIfRunning: o.Overlap != OverlapAllow,
		base:          firstPositive(o.RetryBase, cfg.RetryBase, 500*time.Millisecond),
		ceiling:       firstPositive(o.RetryMaxDelay, cfg.RetryMaxDelay, 15*time.Second),
		jitter:        o.RetryJitter,
		tripBase:      cfg.CircuitBaseDelay,
		tripMax:       cfg.CircuitMaxDelay,
		tripForgetAt:  cfg.CircuitResetAfter,
	}
	if p.jitter <= 0 {
		p.jitter = 0.2
	}

	retries := o.RetryMax
	if retries == 0 {
		retries = cfg.RetryMax
	}
	p.attempts = 1 + max(retries, 0)

	switch {
	case cfg.CircuitTripFailures < 0 || o.CircuitTripFailures < 0:
	case o.CircuitTripFailures > 0:
		p.trip = o.CircuitTripFailures
	default:
		p.trip = cfg.CircuitTripFailures
	}
	return p
}

// backoff returns the wait after the given failed attempt: base doubled per
// attempt, capped at ceiling, spread by ±jitter.
func (p policy) backoff(attempt int, rng *rand.Rand) time.Duration {
	d := p.base
	for i := 1; i < attempt && d < p.ceiling; i++ {
		d *= 2
	}
	d = min(d, p.ceiling)
	if rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*p.jitter))
	}
	return min(max(d, 0), p.ceiling)
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
