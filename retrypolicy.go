package jobqueue

import (
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

// BackoffType selects how the wait between attempts grows.
type BackoffType int

const (
	// BackoffFixed waits Delay before every retry.
	BackoffFixed BackoffType = iota

	// BackoffExponential waits Delay * 2^(attempt-1).
	BackoffExponential

	// BackoffJitter waits a randomised exponential delay between Delay
	// and Max.
	BackoffJitter
)

const defaultJitterMax = 30 * time.Second

// Backoff describes how long a worker waits between failed attempts.
// Zero values are treated as "no wait".
type Backoff struct {
	Type BackoffType

	// Delay is the base delay.
	Delay time.Duration

	// Max caps jittered delays. Ignored by the other types.
	Max time.Duration
}

// FixedBackoff returns a backoff that waits d before every retry.
func FixedBackoff(d time.Duration) *Backoff {
	return &Backoff{Type: BackoffFixed, Delay: d}
}

// ExponentialBackoff returns a backoff that doubles base on every retry.
func ExponentialBackoff(base time.Duration) *Backoff {
	return &Backoff{Type: BackoffExponential, Delay: base}
}

// JitterBackoff returns a randomised exponential backoff capped at ceil.
func JitterBackoff(base, ceil time.Duration) *Backoff {
	return &Backoff{Type: BackoffJitter, Delay: base, Max: ceil}
}

func (t BackoffType) String() string {
	switch t {
	case BackoffFixed:
		return "fixed"
	case BackoffExponential:
		return "exponential"
	case BackoffJitter:
		return "jitter"
	default:
		return "unknown"
	}
}

// retryDelayer yields the wait before each retry of a single job.
//
// Jittered backoff keeps generator state across the attempts of one job,
// so a delayer is created per processWithRetry call.
type retryDelayer struct {
	b    *Backoff
	next func() time.Duration
}

func newRetryDelayer(b *Backoff) *retryDelayer {
	d := &retryDelayer{b: b}
	if b != nil && b.Type == BackoffJitter && b.Delay > 0 {
		ceil := b.Max
		if ceil < b.Delay {
			ceil = defaultJitterMax
		}
		bo := boff.New(b.Delay, ceil, time.Now().UnixNano())
		d.next = bo.Next
	}
	return d
}

// Delay returns the wait before retry number attempt (1-based).
func (d *retryDelayer) Delay(attempt int) time.Duration {
	if d.next != nil {
		return d.next()
	}
	return BackoffDelay(d.b, attempt)
}
