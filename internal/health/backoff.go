package health

import (
	"math"
	"time"
)

// BackoffPolicy spaces successive recovery attempts on one connection:
// Initial * Factor^(attempt-1), capped at Max.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 5 * time.Second,
		Max:     2 * time.Minute,
		Factor:  2,
	}
}

// Delay returns the wait required after the given attempt (1-based) before
// the next one may start. Attempt 0 never waits.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
