// Package backoff computes requeue delays for transiently failed jobs.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy returns the delay before retry attempt n. Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}

// Linear waits Interval * attempt, capped at Max when Max is positive.
type Linear struct {
	Interval time.Duration
	Max      time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	d := l.Interval * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles the delay each retry, starting at Initial and capped
// at Max when Max is positive. With Jitter set, the delay is drawn
// uniformly from [0, computed], spreading synchronized retries apart.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// Default is the strategy used when configuration names none.
func Default() Strategy {
	return Exponential{Initial: 5 * time.Second, Max: 5 * time.Minute, Jitter: true}
}
