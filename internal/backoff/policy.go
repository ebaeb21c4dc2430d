// Package backoff spaces out retries of provider calls and collaborator
// requests with exponential backoff and jitter.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines an exponential backoff curve.
type BackoffPolicy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial" json:"initial"`
	// Max caps every delay.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// Delay returns the wait after the given failed attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
func (p BackoffPolicy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Validate reports an unusable policy.
func (p BackoffPolicy) Validate() error {
	switch {
	case p.Initial < 0 || p.Max < 0:
		return errors.New("backoff: durations must not be negative")
	case p.Max > 0 && p.Initial > p.Max:
		return errors.New("backoff: initial exceeds max")
	case p.Factor < 1:
		return errors.New("backoff: factor must be at least 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errors.New("backoff: jitter must be between 0 and 1")
	}
	return nil
}

// DefaultPolicy is used for provider retries.
// Initial: 250ms, Max: 4s, Factor: 2, Jitter: 20%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 250 * time.Millisecond,
		Max:     4 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// QuickPolicy is used for cheap collaborator lookups such as tool discovery.
// Initial: 50ms, Max: 1s, Factor: 1.5, Jitter: 5%
func QuickPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 50 * time.Millisecond,
		Max:     time.Second,
		Factor:  1.5,
		Jitter:  0.05,
	}
}
