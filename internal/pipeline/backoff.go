package pipeline

import "time"

// BackoffPolicy controls retry pacing for a pipeline stage. Delays grow
// exponentially from BaseDelay and cap at MaxDelay; MaxAttempts bounds
// the total tries before a failure is terminal.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    15 * time.Minute,
	}
}

// IsTerminal reports whether a failure on the given attempt (1-based,
// counting the attempt that just failed) exhausts the budget.
func (p BackoffPolicy) IsTerminal(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextDelay returns the wait before the given retry. attempt counts the
// failures so far, so the first retry (attempt=1) waits BaseDelay.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NextAttemptAt resolves the retry delay against a clock reading.
func (p BackoffPolicy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(p.NextDelay(attempt))
}
