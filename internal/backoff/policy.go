// Package backoff computes jittered exponential delays for reconnect loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy shapes an exponential backoff curve.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay on each successive attempt.
	Factor float64
	// Jitter is the fraction of the base delay randomized on top (0.0 to 1.0).
	Jitter float64
}

// Reconnect returns the policy used for runtime channel redials.
// Initial: 250ms, Max: 15s, Factor: 2, Jitter: 20%
func Reconnect() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     15 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay computes the backoff duration for a given attempt number.
// The formula is: base = initial * factor^(attempt-1), jitter = base * jitter * random()
// and the result is min(max, base + jitter). Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the backoff duration using a provided random value
// in the range [0.0, 1.0). Tests use it for deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitterAmount := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitterAmount)

	// Round to the nearest millisecond.
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Wait sleeps for the attempt's computed delay, respecting context
// cancellation. Returns nil if the sleep completed, or ctx.Err() if the
// context was cancelled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}

// Sleep blocks for the given duration or until ctx is done, whichever comes
// first. Returns nil if the sleep completed, or ctx.Err() otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
