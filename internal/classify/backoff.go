package classify

import (
	"math"
	"math/rand/v2"
)

// BackoffConfig holds the exponential-backoff-with-jitter parameters (§4.7).
type BackoffConfig struct {
	BaseMs   int64
	CapMs    int64
	JitterMs int64
}

// DefaultBackoffConfig matches the spec's stated defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{BaseMs: 1000, CapMs: 30000, JitterMs: 1000}
}

// Rand01 returns a float in [0, 1). Callers inject this so backoff delay is
// deterministic under test, per the spec's "random source is injectable"
// requirement.
type Rand01 func() float64

// DefaultRand01 is the production random source, matching llm/client.go's
// use of math/rand/v2 for backoff jitter.
func DefaultRand01() float64 {
	return rand.Float64()
}

// Delay computes delay(attempt) = min(baseMs*2^attempt, capMs) + floor(rand01*jitterMs).
func (c BackoffConfig) Delay(attempt int, rand01 Rand01) int64 {
	exp := math.Pow(2, float64(attempt))
	base := float64(c.BaseMs) * exp
	capped := math.Min(base, float64(c.CapMs))
	jitter := math.Floor(rand01() * float64(c.JitterMs))
	return int64(capped) + int64(jitter)
}

// Decision is the result of shouldRetry.
type Decision struct {
	ShouldRetry bool
	DelayMs     int64
	Classified  Kind
}

// ShouldRetry implements `shouldRetry(error, attempt, maxAttempts)`: retries
// only if the classification is retriable and attempt+1 < maxAttempts.
func ShouldRetry(kind Kind, attempt, maxAttempts int, backoff BackoffConfig, rand01 Rand01) Decision {
	d := Decision{Classified: kind}
	if !kind.Retriable() || attempt+1 >= maxAttempts {
		return d
	}
	d.ShouldRetry = true
	d.DelayMs = backoff.Delay(attempt, rand01)
	return d
}
