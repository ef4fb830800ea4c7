package queue

import (
	"errors"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/models"
)

// RetryPolicy bounds how often and how fast an item is retried.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries" json:"maxRetries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"baseDelay"`
}

// DefaultPolicies returns the per-priority retry ceilings.
func DefaultPolicies() map[models.Priority]RetryPolicy {
	return map[models.Priority]RetryPolicy{
		models.PriorityCritical: {MaxRetries: 10, BaseDelay: 1 * time.Second},
		models.PriorityHigh:     {MaxRetries: 7, BaseDelay: 2 * time.Second},
		models.PriorityNormal:   {MaxRetries: 5, BaseDelay: 5 * time.Second},
		models.PriorityLow:      {MaxRetries: 3, BaseDelay: 10 * time.Second},
	}
}

// maxBackoff caps a single delay so large retry counts cannot overflow.
const maxBackoff = time.Hour

// Backoff returns the delay before retry number retries (1-based), without jitter.
// Formula: base * 2^(retries-1), capped at one hour.
func (p RetryPolicy) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := p.BaseDelay
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// withJitter adds up to 10% of d, scaled by r in [0, 1).
func withJitter(d time.Duration, r float64) time.Duration {
	if r < 0 || r >= 1 {
		r = 0
	}
	return d + time.Duration(float64(d)*0.1*r)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a processor error as not worth retrying. The item is
// removed at once and reported to item-failed observers.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
