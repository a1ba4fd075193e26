package realtime

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// backoffDelay returns base * multiplier^attempt without jitter or cap.
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
