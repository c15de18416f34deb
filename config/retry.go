package config

import "time"

const maxRetrySleep = 30 * time.Second

// RetryBackoff is the sleep before the next connection attempt: 2s, 4s, ...
// capped at 30s.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > maxRetrySleep {
		sleep = maxRetrySleep
	}
	return sleep
}
