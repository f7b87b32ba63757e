package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out upstream attempts from this process with a token bucket.
// A nil Pacer or a non-positive rate never waits.
type Pacer struct {
	limiter *rate.Limiter
}

func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
