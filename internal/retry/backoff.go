// Package retry computes exponential backoff delays.
package retry

import "time"

// Delay returns base * 2^(attempt-1), capped at max. Attempts below 1 are
// treated as the first attempt. A zero max leaves the delay uncapped.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max {
			break
		}
		// Stop doubling before the duration overflows.
		if delay > time.Duration(1<<62)/2 {
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
