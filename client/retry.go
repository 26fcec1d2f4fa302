package gqlwsclient

import (
	"math/rand"
	"time"
)

const maxRetryDelay = time.Second * 30

// defaultRetryWait is an exponential backoff starting at one second, capped
// at maxRetryDelay, with up to one second of jitter drawn from the injected
// source.
func defaultRetryWait(rnd *rand.Rand) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		delay := time.Second
		for i := 1; i < attempt && delay < maxRetryDelay; i++ {
			delay *= 2
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		return delay + time.Duration(rnd.Int63n(int64(time.Second)))
	}
}
