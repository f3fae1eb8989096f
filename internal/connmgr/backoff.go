package connmgr

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Policy yields the base delay before each reconnect attempt.
type Policy interface {
	// Next returns the delay for the next attempt and advances the policy.
	Next() time.Duration
	// Reset returns the policy to its first delay after a healthy session.
	Reset()
	Attempt() int
}

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

type BackoffConfig struct {
	Kind BackoffKind
	// Min is the first delay for exponential policies and the per-attempt
	// step for linear ones.
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// JitterMin and JitterMax bound the uniform random delay added on top
	// of every base delay.
	JitterMin time.Duration
	JitterMax time.Duration
}

// TunnelBackoff is 1s doubling to 180s plus 10-30s of jitter.
func TunnelBackoff() BackoffConfig {
	return BackoffConfig{
		Kind:      BackoffExponential,
		Min:       time.Second,
		Max:       180 * time.Second,
		Factor:    2,
		JitterMin: 10 * time.Second,
		JitterMax: 30 * time.Second,
	}
}

// FiberBackoff grows linearly by 2s per attempt up to 30s with 0-5s of jitter.
func FiberBackoff() BackoffConfig {
	return BackoffConfig{
		Kind:      BackoffLinear,
		Min:       2 * time.Second,
		Max:       30 * time.Second,
		JitterMin: 0,
		JitterMax: 5 * time.Second,
	}
}

func (c BackoffConfig) NewPolicy() Policy {
	if c.Kind == BackoffLinear {
		return &LinearPolicy{Step: c.Min, Max: c.Max}
	}
	return NewExponentialPolicy(c.Min, c.Max, c.Factor)
}

// ExponentialPolicy doubles (by Factor) from Min up to Max.
type ExponentialPolicy struct {
	b *backoff.Backoff
}

func NewExponentialPolicy(min, max time.Duration, factor float64) *ExponentialPolicy {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialPolicy{b: &backoff.Backoff{Min: min, Max: max, Factor: factor}}
}

func (p *ExponentialPolicy) Next() time.Duration { return p.b.Duration() }
func (p *ExponentialPolicy) Reset()              { p.b.Reset() }
func (p *ExponentialPolicy) Attempt() int        { return int(p.b.Attempt()) }

// LinearPolicy waits Step*attempt, capped at Max.
type LinearPolicy struct {
	Step    time.Duration
	Max     time.Duration
	attempt int
}

func (p *LinearPolicy) Next() time.Duration {
	p.attempt++
	d := time.Duration(p.attempt) * p.Step
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func (p *LinearPolicy) Reset()       { p.attempt = 0 }
func (p *LinearPolicy) Attempt() int { return p.attempt }

// jitterSource draws uniform delays in [min, max].
type jitterSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newJitterSource(seed int64) *jitterSource {
	return &jitterSource{rng: rand.New(rand.NewSource(seed))}
}

func (j *jitterSource) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return min + time.Duration(j.rng.Int63n(int64(max-min)+1))
}
