package workerpool

import "time"

// RetryPolicy controls the backoff delay applied before a transient or timed-out
// task is handed back to the queue for another attempt. Rate-limit and
// session-invalid failures bypass this policy entirely: their retry timing is
// governed by the rate-limit coordinator's unlock state instead.
type RetryPolicy struct {
	Mode       string        // fixed|linear|exponential
	Initial    time.Duration // base delay
	Max        time.Duration // cap for growth
}

// DefaultRetryPolicy matches the spec's default task retry configuration
// (linear backoff, 5s initial delay, capped at 30s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Mode: "linear", Initial: 5 * time.Second, Max: 30 * time.Second}
}

// Delay returns the backoff delay to apply before attempt number attempt
// (1-based: the first retry after the initial attempt is attempt 2).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	retryCount := attempt - 1
	switch p.Mode {
	case "fixed":
		return p.Initial
	case "exponential":
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}
