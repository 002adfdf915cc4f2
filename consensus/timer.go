package consensus

import "time"

// Timer computes the per-round deadline with exponential backoff across
// views (§4.4): timeout(v) = blockTime << v, capped at maxTimeout. It
// fires exactly once per round; the caller (the state machine) is
// responsible for re-arming it on ResetForView/Reset.
type Timer struct {
	blockTime  time.Duration
	maxTimeout time.Duration
}

// NewTimer constructs a Timer from the configured block time and the
// maximum view-timeout cap (§6 "block_time_ms", "max_view_timeout_ms").
func NewTimer(blockTime, maxTimeout time.Duration) *Timer {
	return &Timer{blockTime: blockTime, maxTimeout: maxTimeout}
}

// Timeout returns the deadline duration for view v.
func (t *Timer) Timeout(view uint8) time.Duration {
	d := t.blockTime
	// Cap the shift itself, not just the result, to avoid overflow for
	// large view numbers during a stuck round.
	shift := view
	if shift > 32 {
		shift = 32
	}
	d = d << shift
	if d <= 0 || d > t.maxTimeout {
		return t.maxTimeout
	}
	return d
}

// Deadline returns the absolute instant the round should time out, from now.
func (t *Timer) Deadline(view uint8, now time.Time) time.Time {
	return now.Add(t.Timeout(view))
}

// RecoveryTimeout returns a recovery-request window of half the block
// time, separate from and shorter than the main round deadline. Half the
// block time is the teacher's convention for a "solicit sooner than you'd
// give up" window. The engine does not arm any timer from it: no
// RecoveryRequest is sent for an idle context, only on the commit-locked
// timeout path in onTimerExpired.
func (t *Timer) RecoveryTimeout() time.Duration {
	return t.blockTime / 2
}
