package pcilib

import (
	"runtime"
	"time"
)

// Deadline is the expiry point of a hardware poll.
type Deadline struct {
	at       time.Time
	infinite bool
}

// NewDeadline starts a deadline of the given timeout. TIMEOUT_INFINITE never expires,
// TIMEOUT_IMMEDIATE is expired from the start.
func NewDeadline(timeout time.Duration) Deadline {
	if timeout < 0 {
		return Deadline{infinite: true}
	}

	return Deadline{at: time.Now().Add(timeout)}
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	if d.infinite {
		return false
	}

	return !time.Now().Before(d.at)
}

// Remaining returns the time left, or a negative value for an infinite deadline.
func (d Deadline) Remaining() time.Duration {
	if d.infinite {
		return TIMEOUT_INFINITE
	}

	if left := time.Until(d.at); left > 0 {
		return left
	}

	return 0
}

// Poll calls cond until it returns true or the timeout expires. Between checks it sleeps
// for the given granularity, or only yields if sleep is zero. The condition is always
// checked at least once and once more after the deadline has passed.
func Poll(timeout, sleep time.Duration, cond func() bool) error {
	deadline := NewDeadline(timeout)

	for {
		if cond() {
			return nil
		}

		if deadline.Expired() {
			break
		}

		Sleep(sleep)
	}

	if cond() {
		return nil
	}

	return ErrTimeout
}

// Sleep pauses for d. A zero duration yields the processor instead.
func Sleep(d time.Duration) {
	if d <= 0 {
		runtime.Gosched()

		return
	}

	time.Sleep(d)
}
