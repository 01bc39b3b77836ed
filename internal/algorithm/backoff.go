package algorithm

import "time"

const (
	DefaultBackoffFloor  = time.Millisecond
	DefaultBackoffCap    = 100 * time.Millisecond
	DefaultBackoffFactor = 2
)

// RetryScheduler hands out exponential backoff delays and deadline checks.
// Delays are deterministic in the attempt number.
type RetryScheduler struct {
	floor  time.Duration
	cap    time.Duration
	factor int64
}

// NewRetryScheduler creates a scheduler. Non-positive arguments fall back
// to the defaults, and a cap below the floor is raised to the floor.
func NewRetryScheduler(floor, cap time.Duration, factor int) *RetryScheduler {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if cap < floor {
		cap = floor
	}
	if factor < 2 {
		factor = DefaultBackoffFactor
	}
	return &RetryScheduler{floor: floor, cap: cap, factor: int64(factor)}
}

// DefaultRetryScheduler returns the 1ms..100ms doubling scheduler
func DefaultRetryScheduler() *RetryScheduler {
	return NewRetryScheduler(DefaultBackoffFloor, DefaultBackoffCap, DefaultBackoffFactor)
}

// NextDelay returns floor*factor^attempt, capped
func (s *RetryScheduler) NextDelay(attempt uint32) time.Duration {
	delay := s.floor
	for i := uint32(0); i < attempt; i++ {
		if delay >= s.cap/time.Duration(s.factor) {
			return s.cap
		}
		delay *= time.Duration(s.factor)
	}
	if delay > s.cap {
		return s.cap
	}
	return delay
}

// DeadlineExceeded reports whether now is at or past start+budget
func (s *RetryScheduler) DeadlineExceeded(start time.Time, budget time.Duration, now time.Time) bool {
	return !now.Before(start.Add(budget))
}

// Floor returns the smallest delay
func (s *RetryScheduler) Floor() time.Duration { return s.floor }

// Cap returns the largest delay
func (s *RetryScheduler) Cap() time.Duration { return s.cap }
